package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStrategy describes how a session's bytes reach the object store.
type UploadStrategy string

const (
	StrategySingle    UploadStrategy = "single"
	StrategyMultipart UploadStrategy = "multipart"
)

// StorageProvider identifies which object-store backend holds the artifact.
type StorageProvider string

const (
	ProviderS3    StorageProvider = "s3"
	ProviderMinIO StorageProvider = "minio"
)

// SessionStatus captures the lifecycle of an upload session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionUploading SessionStatus = "uploading"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// CanTransitionSession returns true for the permitted forward moves of the
// session state machine. Terminal states absorb.
func CanTransitionSession(from, to SessionStatus) bool {
	switch from {
	case SessionPending:
		return to == SessionUploading || to == SessionCompleted || to == SessionFailed || to == SessionCancelled
	case SessionUploading:
		return to == SessionCompleted || to == SessionFailed || to == SessionCancelled
	default:
		return false
	}
}

// UploadSession represents one client file upload tracked in the DB, from
// initialization through completion, failure, or cancellation.
type UploadSession struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	WorkspaceID    uuid.UUID
	Filename       string
	DeclaredSize   int64
	MimeType       string
	Strategy       UploadStrategy
	Provider       StorageProvider
	StorageKey     string
	RemoteUploadID string
	Status         SessionStatus
	Progress       int
	ChunkSize      int64
	TotalChunks    int
	ReceivedChunks int
	Checksum       string
	PublicURL      string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Chunk stores metadata for one durably accepted part of a multipart session.
// A Chunk row exists only after the object store acknowledged the bytes.
type Chunk struct {
	SessionID  uuid.UUID
	Ordinal    int
	SizeBytes  int64
	Checksum   string
	PartToken  string
	ReceivedAt time.Time
}

// JobStatus captures the lifecycle of a processing job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransitionJob returns true for the permitted forward moves of the job
// state machine.
func CanTransitionJob(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobProcessing || to == JobFailed
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

// OperationKind names one AI operation a job may request. Operation lists are
// caller-supplied, so unknown kinds are carried through and skipped at
// execution time rather than rejected.
type OperationKind string

const (
	OpTranscribe OperationKind = "transcribe"
	OpSummarize  OperationKind = "summarize"
	OpAnalyze    OperationKind = "analyze"
)

// Known reports whether the pipeline has a provider for this kind.
func (k OperationKind) Known() bool {
	switch k {
	case OpTranscribe, OpSummarize, OpAnalyze:
		return true
	}
	return false
}

// ProcessingJob represents execution of an ordered list of AI operations
// against one completed upload session.
type ProcessingJob struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	WorkspaceID     uuid.UUID
	UploadSessionID uuid.UUID
	Operations      []OperationKind
	Status          JobStatus
	Progress        int
	Results         JobResults
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Principal identifies the authenticated caller and the workspace scope all
// of its sessions and jobs belong to.
type Principal struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
}
