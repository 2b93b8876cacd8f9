package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

const reapBatchSize = 32

// Reaper re-dispatches jobs that stopped moving: processing jobs whose last
// update is older than the staleness threshold (a worker died mid-run) and
// pending jobs that never reached the queue. Re-dispatch is safe because the
// orchestrator resumes from recorded results.
type Reaper struct {
	store      store.Store
	dispatcher *Dispatcher
	staleAfter time.Duration
	interval   time.Duration
	logger     zerolog.Logger
}

func NewReaper(st store.Store, d *Dispatcher, staleAfter, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		store:      st,
		dispatcher: d,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("stale_after", r.staleAfter).
		Msg("stale job reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("stale job reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleAfter)
	jobs, err := r.store.StaleJobs(ctx, cutoff, reapBatchSize)
	if err != nil {
		r.logger.Warn().Err(err).Msg("stale job query failed")
		return
	}
	for _, j := range jobs {
		if r.dispatcher.Enqueue(j.ID) {
			r.logger.Info().
				Str("job_id", j.ID.String()).
				Str("status", string(j.Status)).
				Time("updated_at", j.UpdatedAt).
				Msg("re-dispatched stale job")
		}
	}
}
