package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted on lifecycle transitions. Consumers key off EventType.
const (
	EventSessionStatusChanged = "upload_session.status_changed"
	EventJobStatusChanged     = "processing_job.status_changed"
)

// Event is a domain event destined for the outbox.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

// SessionStatusChanged records a terminal transition of an upload session.
type SessionStatusChanged struct {
	ID          uuid.UUID     `json:"event_id"`
	SessionID   uuid.UUID     `json:"session_id"`
	WorkspaceID uuid.UUID     `json:"workspace_id"`
	From        SessionStatus `json:"from"`
	To          SessionStatus `json:"to"`
	At          time.Time     `json:"occurred_at"`
}

// NewSessionStatusChanged stamps a fresh event id and timestamp.
func NewSessionStatusChanged(sessionID, workspaceID uuid.UUID, from, to SessionStatus) *SessionStatusChanged {
	return &SessionStatusChanged{
		ID:          uuid.New(),
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		From:        from,
		To:          to,
		At:          time.Now().UTC(),
	}
}

func (e *SessionStatusChanged) EventID() uuid.UUID     { return e.ID }
func (e *SessionStatusChanged) EventType() string      { return EventSessionStatusChanged }
func (e *SessionStatusChanged) AggregateID() uuid.UUID { return e.SessionID }
func (e *SessionStatusChanged) OccurredAt() time.Time  { return e.At }

// JobStatusChanged records a transition of a processing job.
type JobStatusChanged struct {
	ID          uuid.UUID `json:"event_id"`
	JobID       uuid.UUID `json:"job_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	From        JobStatus `json:"from"`
	To          JobStatus `json:"to"`
	At          time.Time `json:"occurred_at"`
}

// NewJobStatusChanged stamps a fresh event id and timestamp.
func NewJobStatusChanged(jobID, workspaceID uuid.UUID, from, to JobStatus) *JobStatusChanged {
	return &JobStatusChanged{
		ID:          uuid.New(),
		JobID:       jobID,
		WorkspaceID: workspaceID,
		From:        from,
		To:          to,
		At:          time.Now().UTC(),
	}
}

func (e *JobStatusChanged) EventID() uuid.UUID     { return e.ID }
func (e *JobStatusChanged) EventType() string      { return EventJobStatusChanged }
func (e *JobStatusChanged) AggregateID() uuid.UUID { return e.JobID }
func (e *JobStatusChanged) OccurredAt() time.Time  { return e.At }

// OutboxEvent is one row of the transactional outbox awaiting relay.
type OutboxEvent struct {
	ID          int64
	EventID     uuid.UUID
	EventType   string
	AggregateID uuid.UUID
	Payload     []byte
	OccurredAt  time.Time
}
