package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/job"
	"github.com/evolvesystems/audiotricks-sub001/internal/objectstore"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

// Progress allowances. Setup takes a fixed slice up front, completion claims
// the tail when the job finishes, and the rest is split evenly across the
// distinct known operations of the job.
const (
	setupAllowance      = 10
	completionAllowance = 10
	operationBudget     = 100 - setupAllowance - completionAllowance
)

// Orchestrator executes a job's operations in order, recording progress and
// partial results after each one.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	jobs      *job.Service
	chunks    objectstore.ChunkStore
	providers Providers
	logger    zerolog.Logger
}

func NewOrchestrator(cfg *config.Config, st store.Store, jobs *job.Service, chunks objectstore.ChunkStore, providers Providers, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		jobs:      jobs,
		chunks:    chunks,
		providers: providers,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Execute drives the job to a terminal status. A job interrupted mid-flight is
// safe to execute again: operations with recorded results are skipped and the
// progress floor covering them is restored before the remainder runs.
func (o *Orchestrator) Execute(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	j, err := o.jobs.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	share := operationShare(j.Operations)

	switch j.Status {
	case domain.JobPending:
		if err := o.jobs.Start(ctx, jobID); err != nil {
			if errors.Is(err, domain.ErrJobConflict) {
				// Another worker claimed the job between Load and Start.
				return nil
			}
			return err
		}
		o.advance(ctx, jobID, setupAllowance, nil)
	case domain.JobProcessing:
		floor := setupAllowance + completedShare(j, share)
		if floor > j.Progress {
			o.advance(ctx, jobID, floor-j.Progress, nil)
		}
		o.logger.Info().
			Str("job_id", jobID.String()).
			Int("progress", j.Progress).
			Msg("resuming interrupted job")
	}

	artifact, err := o.artifact(ctx, j)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("source artifact unavailable: %v", err))
		return err
	}

	results := j.Results
	transcript := ""
	if results.Transcription != nil {
		transcript = results.Transcription.Text
	}

	for _, op := range j.Operations {
		if !op.Known() {
			o.logger.Warn().
				Str("job_id", jobID.String()).
				Str("operation", string(op)).
				Msg("skipping unknown operation")
			continue
		}
		if results.Has(op) {
			continue
		}

		partial, err := o.runOperation(ctx, artifact, op, transcript)
		if err != nil {
			o.failJob(ctx, jobID, fmt.Sprintf("%s failed: %v", op, err))
			return fmt.Errorf("operation %s: %w", op, err)
		}
		results.Merge(*partial)
		if partial.Transcription != nil {
			transcript = partial.Transcription.Text
		}
		if err := o.jobs.Advance(ctx, jobID, share, partial); err != nil {
			// The job was mutated underneath us, most likely failed
			// externally. Its recorded state wins.
			o.logger.Warn().Err(err).
				Str("job_id", jobID.String()).
				Str("operation", string(op)).
				Msg("abandoning job after advance conflict")
			return err
		}
	}

	if err := o.jobs.Complete(ctx, jobID); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("job completion rejected")
		return err
	}
	if results.Transcription != nil && results.Transcription.DurationSeconds > 0 {
		o.jobs.RecordProcessingUsage(ctx, j.WorkspaceID, int64(math.Ceil(results.Transcription.DurationSeconds)))
	}
	o.logger.Info().Str("job_id", jobID.String()).Msg("job completed")
	return nil
}

func (o *Orchestrator) runOperation(ctx context.Context, artifact Artifact, op domain.OperationKind, transcript string) (*domain.OperationResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	opCtx, span := tracer.Start(opCtx, "pipeline."+string(op),
		trace.WithAttributes(attribute.String("object_key", artifact.Key)))
	defer span.End()

	switch op {
	case domain.OpTranscribe:
		res, err := o.providers.Transcriber.Transcribe(opCtx, artifact)
		if err != nil {
			return nil, err
		}
		return &domain.OperationResult{Operation: op, Transcription: &res}, nil
	case domain.OpSummarize:
		res, err := o.providers.Summarizer.Summarize(opCtx, artifact, transcript)
		if err != nil {
			return nil, err
		}
		return &domain.OperationResult{Operation: op, Summary: &res}, nil
	case domain.OpAnalyze:
		res, err := o.providers.Analyzer.Analyze(opCtx, artifact, transcript)
		if err != nil {
			return nil, err
		}
		return &domain.OperationResult{Operation: op, Analysis: &res}, nil
	}
	return nil, fmt.Errorf("no provider for operation %q", op)
}

// artifact resolves the job's source object. The URL is presigned fresh so
// providers can fetch from private buckets; the stored public URL is the
// fallback.
func (o *Orchestrator) artifact(ctx context.Context, j *domain.ProcessingJob) (Artifact, error) {
	sess, err := o.store.GetSessionByID(ctx, j.UploadSessionID)
	if err != nil {
		return Artifact{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != domain.SessionCompleted {
		return Artifact{}, fmt.Errorf("session %s is %s, not completed", sess.ID, sess.Status)
	}

	url := sess.PublicURL
	if presigned, err := o.chunks.PresignGet(ctx, sess.StorageKey, o.cfg.PresignTTL); err == nil {
		url = presigned
	} else {
		o.logger.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Msg("presign failed, falling back to public url")
	}
	return Artifact{
		SessionID: sess.ID,
		Key:       sess.StorageKey,
		URL:       url,
		MimeType:  sess.MimeType,
	}, nil
}

func (o *Orchestrator) advance(ctx context.Context, jobID uuid.UUID, delta int, partial *domain.OperationResult) {
	if delta <= 0 {
		return
	}
	if err := o.jobs.Advance(ctx, jobID, delta, partial); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("progress advance failed")
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, msg string) {
	if err := o.jobs.Fail(ctx, jobID, msg); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("could not mark job failed")
	}
}

// operationShare splits the operation budget evenly across the distinct known
// operations. The integer remainder is absorbed at completion.
func operationShare(ops []domain.OperationKind) int {
	known := distinctKnown(ops)
	if known == 0 {
		return 0
	}
	return operationBudget / known
}

// completedShare is the progress already earned by operations whose results
// are recorded, used to restore the floor when resuming.
func completedShare(j *domain.ProcessingJob, share int) int {
	done := 0
	seen := make(map[domain.OperationKind]bool, len(j.Operations))
	for _, op := range j.Operations {
		if op.Known() && !seen[op] && j.Results.Has(op) {
			done++
		}
		seen[op] = true
	}
	return done * share
}

func distinctKnown(ops []domain.OperationKind) int {
	seen := make(map[domain.OperationKind]bool, len(ops))
	n := 0
	for _, op := range ops {
		if op.Known() && !seen[op] {
			n++
		}
		seen[op] = true
	}
	return n
}
