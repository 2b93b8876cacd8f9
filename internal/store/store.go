package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// Store defines persistence behavior for upload sessions, processing jobs,
// workspace quota accounting, and the event outbox. Status mutations are
// conditional single-row updates so concurrent writers cannot resurrect a
// terminal entity or regress progress.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, s *domain.UploadSession) error
	GetSession(ctx context.Context, sessionID, ownerID uuid.UUID) (*domain.UploadSession, error)
	GetSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.UploadSession, error)
	// RecordChunk durably records one accepted chunk and advances the
	// session's counters in the same transaction. Returns the new received
	// count and the session's total so the caller can detect coverage.
	RecordChunk(ctx context.Context, chunk *domain.Chunk) (received, total int, err error)
	ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, sessionID uuid.UUID) error
	// CompleteSession finalizes a session with its public URL and, for
	// single-shot uploads, the full-payload checksum.
	CompleteSession(ctx context.Context, sessionID uuid.UUID, publicURL, checksum string) error
	FailSession(ctx context.Context, sessionID uuid.UUID, reason string) error
	CancelSession(ctx context.Context, sessionID uuid.UUID) error

	// Jobs.
	CreateJob(ctx context.Context, j *domain.ProcessingJob) error
	GetJob(ctx context.Context, jobID, ownerID uuid.UUID) (*domain.ProcessingJob, error)
	GetJobByID(ctx context.Context, jobID uuid.UUID) (*domain.ProcessingJob, error)
	ListJobs(ctx context.Context, q JobQuery) ([]domain.ProcessingJob, error)
	StartJob(ctx context.Context, jobID uuid.UUID) error
	// AdvanceJob adds delta to progress (capped below 100 until CompleteJob)
	// and merges the optional result fragment, both in one atomic update.
	AdvanceJob(ctx context.Context, jobID uuid.UUID, delta int, fragment *domain.JobResults) error
	CompleteJob(ctx context.Context, jobID uuid.UUID) error
	FailJob(ctx context.Context, jobID uuid.UUID, message string) error
	StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ProcessingJob, error)

	// Workspace quota accounting.
	GetWorkspaceUsage(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceUsage, error)
	GetWorkspaceLimits(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceLimits, error)
	AddUsage(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) error

	// Outbox.
	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
}

// JobQuery filters the paginated job listing.
type JobQuery struct {
	OwnerID     uuid.UUID
	WorkspaceID uuid.UUID
	Status      domain.JobStatus // empty matches all statuses
	Limit       int
	Offset      int
}
