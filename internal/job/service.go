package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

// approxBytesPerSecond sizes the processing-time admission estimate, assuming
// 128 kbps compressed audio. Actual consumption is metered from the transcript
// duration after the job completes.
const approxBytesPerSecond = 16 * 1024

// CreateRequest describes a new processing job.
type CreateRequest struct {
	UploadSessionID uuid.UUID
	Operations      []domain.OperationKind
}

// QuotaGuard is the admission contract the service depends on.
type QuotaGuard interface {
	Admit(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) (domain.QuotaDecision, error)
	Invalidate(ctx context.Context, workspaceID uuid.UUID)
}

// Service owns the job state machine. The pipeline orchestrator drives
// Start/Advance/Complete/Fail; the API layer drives Create/Query/List.
type Service struct {
	store  store.Store
	quota  QuotaGuard
	logger zerolog.Logger
}

func NewService(st store.Store, guard QuotaGuard, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		quota:  guard,
		logger: logger.With().Str("component", "job_service").Logger(),
	}
}

// Create validates the referenced session, admits the job against the
// workspace processing quota, and records it as pending. Unknown operation
// kinds are carried through; the orchestrator skips them with a warning.
func (s *Service) Create(ctx context.Context, p domain.Principal, req CreateRequest) (*domain.ProcessingJob, error) {
	if req.UploadSessionID == uuid.Nil {
		return nil, domain.ValidationError("uploadSessionId", "is required")
	}
	if len(req.Operations) == 0 {
		return nil, domain.ValidationError("operations", "at least one is required")
	}

	sess, err := s.store.GetSession(ctx, req.UploadSessionID, p.UserID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Status != domain.SessionCompleted {
		return nil, domain.ValidationError("uploadSessionId", fmt.Sprintf("upload session is %s, not completed", sess.Status))
	}

	estimate := sess.DeclaredSize / approxBytesPerSecond
	if estimate < 1 {
		estimate = 1
	}
	decision, err := s.quota.Admit(ctx, p.WorkspaceID, domain.ResourceProcessing, estimate)
	if err != nil {
		return nil, fmt.Errorf("quota admission: %w", err)
	}
	if !decision.Allowed {
		return nil, &domain.QuotaError{
			Kind:       domain.ResourceProcessing,
			Reason:     decision.Reason,
			Suggestion: decision.Suggestion,
		}
	}

	j := &domain.ProcessingJob{
		ID:              uuid.New(),
		OwnerID:         p.UserID,
		WorkspaceID:     p.WorkspaceID,
		UploadSessionID: req.UploadSessionID,
		Operations:      req.Operations,
		Status:          domain.JobPending,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", j.ID.String()).
		Str("session_id", req.UploadSessionID.String()).
		Int("operations", len(req.Operations)).
		Msg("processing job created")
	return j, nil
}

// Start transitions pending to processing.
func (s *Service) Start(ctx context.Context, jobID uuid.UUID) error {
	return mapJobErr(s.store.StartJob(ctx, jobID))
}

// Advance adds delta to progress and merges the optional partial result.
// Progress stays below 100 until Complete runs.
func (s *Service) Advance(ctx context.Context, jobID uuid.UUID, delta int, partial *domain.OperationResult) error {
	if delta < 0 {
		return domain.ValidationError("progressDelta", "must not be negative")
	}
	var fragment *domain.JobResults
	if partial != nil {
		f := partial.Fragment()
		fragment = &f
	}
	return mapJobErr(s.store.AdvanceJob(ctx, jobID, delta, fragment))
}

// Complete transitions processing to completed with progress 100.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID) error {
	return mapJobErr(s.store.CompleteJob(ctx, jobID))
}

// Fail transitions to failed, keeping whatever partial results were already
// recorded.
func (s *Service) Fail(ctx context.Context, jobID uuid.UUID, message string) error {
	if message == "" {
		message = "processing failed"
	}
	return mapJobErr(s.store.FailJob(ctx, jobID, message))
}

// Query returns the job snapshot, scoped to the requesting owner.
func (s *Service) Query(ctx context.Context, p domain.Principal, jobID uuid.UUID) (*domain.ProcessingJob, error) {
	j, err := s.store.GetJob(ctx, jobID, p.UserID)
	if err != nil {
		return nil, mapJobErr(err)
	}
	return j, nil
}

// Load returns a job without owner scoping, for internal pipeline use.
func (s *Service) Load(ctx context.Context, jobID uuid.UUID) (*domain.ProcessingJob, error) {
	j, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, mapJobErr(err)
	}
	return j, nil
}

// List returns the owner's jobs in the workspace, newest first.
func (s *Service) List(ctx context.Context, p domain.Principal, status domain.JobStatus, limit, offset int) ([]domain.ProcessingJob, error) {
	switch status {
	case "", domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
	default:
		return nil, domain.ValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListJobs(ctx, store.JobQuery{
		OwnerID:     p.UserID,
		WorkspaceID: p.WorkspaceID,
		Status:      status,
		Limit:       limit,
		Offset:      offset,
	})
}

// RecordProcessingUsage meters consumed processing seconds after a job
// finishes. Accounting failures are logged, not surfaced.
func (s *Service) RecordProcessingUsage(ctx context.Context, workspaceID uuid.UUID, seconds int64) {
	if seconds <= 0 {
		return
	}
	if err := s.store.AddUsage(ctx, workspaceID, domain.ResourceProcessing, seconds); err != nil {
		s.logger.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("processing usage accounting failed")
		return
	}
	s.quota.Invalidate(ctx, workspaceID)
}

func mapJobErr(err error) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return domain.ErrJobNotFound
	case errors.Is(err, store.ErrJobConflict):
		return domain.ErrJobConflict
	}
	return err
}
