package pipeline

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher fans job executions out to a bounded worker pool. Enqueue never
// blocks the caller: a full queue leaves the job pending for the reaper to
// pick up on a later sweep.
type Dispatcher struct {
	orchestrator *Orchestrator
	queue        chan uuid.UUID
	workers      int
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       zerolog.Logger
}

func NewDispatcher(orchestrator *Orchestrator, workers, queueSize int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		orchestrator: orchestrator,
		queue:        make(chan uuid.UUID, queueSize),
		workers:      workers,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().
		Int("workers", d.workers).
		Int("queue_capacity", cap(d.queue)).
		Msg("pipeline dispatcher started")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case jobID, ok := <-d.queue:
			if !ok {
				return
			}
			if err := d.orchestrator.Execute(d.ctx, jobID); err != nil {
				d.logger.Warn().Err(err).
					Str("job_id", jobID.String()).
					Int("worker", id).
					Msg("job execution ended with error")
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Enqueue offers a job to the pool. It reports false when the dispatcher is
// shutting down or the queue is full; the job stays pending either way and a
// later reaper sweep re-dispatches it.
func (d *Dispatcher) Enqueue(jobID uuid.UUID) bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
	}
	select {
	case d.queue <- jobID:
		return true
	default:
		d.logger.Warn().Str("job_id", jobID.String()).Msg("queue full, leaving job for reaper")
		return false
	}
}

// Shutdown stops the workers. In-flight executions are cancelled; interrupted
// jobs resume from their last recorded operation after the next start.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("pipeline dispatcher stopped")
}

// Pending reports the queued-but-unstarted job count, for health reporting.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
