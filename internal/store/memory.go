package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// MemoryStore is an in-memory Store with the same conditional-transition
// semantics as the postgres implementation. It backs unit tests and local
// development without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.UploadSession
	chunks   map[uuid.UUID]map[int]*domain.Chunk
	jobs     map[uuid.UUID]*domain.ProcessingJob
	usage    map[uuid.UUID]*domain.WorkspaceUsage
	plans    map[uuid.UUID]*domain.WorkspaceLimits
	outbox   []*memOutboxRow
	nextID   int64
}

type memOutboxRow struct {
	ev        domain.OutboxEvent
	processed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*domain.UploadSession),
		chunks:   make(map[uuid.UUID]map[int]*domain.Chunk),
		jobs:     make(map[uuid.UUID]*domain.ProcessingJob),
		usage:    make(map[uuid.UUID]*domain.WorkspaceUsage),
		plans:    make(map[uuid.UUID]*domain.WorkspaceLimits),
	}
}

// SetLimits seeds a workspace plan row.
func (m *MemoryStore) SetLimits(workspaceID uuid.UUID, limits domain.WorkspaceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limits.WorkspaceID = workspaceID
	m.plans[workspaceID] = &limits
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess *domain.UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ID]; exists {
		return ErrSessionConflict
	}
	cp := *sess
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID, ownerID uuid.UUID) (*domain.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) GetSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) RecordChunk(ctx context.Context, chunk *domain.Chunk) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[chunk.SessionID]
	if !ok {
		return 0, 0, ErrSessionNotFound
	}
	if sess.Status != domain.SessionPending && sess.Status != domain.SessionUploading {
		return 0, 0, ErrSessionConflict
	}
	if sess.Status == domain.SessionPending {
		sess.Status = domain.SessionUploading
	}

	byOrdinal := m.chunks[chunk.SessionID]
	if byOrdinal == nil {
		byOrdinal = make(map[int]*domain.Chunk)
		m.chunks[chunk.SessionID] = byOrdinal
	}
	cp := *chunk
	cp.ReceivedAt = time.Now().UTC()
	byOrdinal[chunk.Ordinal] = &cp

	received := len(byOrdinal)
	sess.ReceivedChunks = received
	if sess.TotalChunks > 0 {
		progress := received * 100 / sess.TotalChunks
		if progress > 99 {
			progress = 99
		}
		if progress > sess.Progress {
			sess.Progress = progress
		}
	}
	sess.UpdatedAt = time.Now().UTC()
	return received, sess.TotalChunks, nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	byOrdinal := m.chunks[sessionID]
	chunks := make([]domain.Chunk, 0, len(byOrdinal))
	for _, c := range byOrdinal {
		chunks = append(chunks, *c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, sessionID)
	return nil
}

func (m *MemoryStore) CompleteSession(ctx context.Context, sessionID uuid.UUID, publicURL, checksum string) error {
	return m.transitionSession(ctx, sessionID, domain.SessionCompleted, func(sess *domain.UploadSession) {
		sess.Progress = 100
		sess.PublicURL = publicURL
		if checksum != "" {
			sess.Checksum = checksum
		}
		now := time.Now().UTC()
		sess.CompletedAt = &now
	})
}

func (m *MemoryStore) FailSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	return m.transitionSession(ctx, sessionID, domain.SessionFailed, func(sess *domain.UploadSession) {
		sess.FailureReason = reason
		now := time.Now().UTC()
		sess.CompletedAt = &now
	})
}

func (m *MemoryStore) CancelSession(ctx context.Context, sessionID uuid.UUID) error {
	return m.transitionSession(ctx, sessionID, domain.SessionCancelled, func(sess *domain.UploadSession) {
		now := time.Now().UTC()
		sess.CompletedAt = &now
	})
}

func (m *MemoryStore) transitionSession(ctx context.Context, sessionID uuid.UUID, to domain.SessionStatus, apply func(*domain.UploadSession)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	from := sess.Status
	if !domain.CanTransitionSession(from, to) {
		return ErrSessionConflict
	}
	sess.Status = to
	apply(sess)
	sess.UpdatedAt = time.Now().UTC()
	m.appendOutbox(domain.NewSessionStatusChanged(sessionID, sess.WorkspaceID, from, to))
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *domain.ProcessingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return ErrJobConflict
	}
	cp := cloneJob(job)
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[job.ID] = cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID, ownerID uuid.UUID) (*domain.ProcessingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) GetJobByID(ctx context.Context, jobID uuid.UUID) (*domain.ProcessingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, q JobQuery) ([]domain.ProcessingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.ProcessingJob
	for _, job := range m.jobs {
		if job.OwnerID != q.OwnerID || job.WorkspaceID != q.WorkspaceID {
			continue
		}
		if q.Status != "" && job.Status != q.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	jobs := make([]domain.ProcessingJob, 0, len(matched))
	for _, job := range matched {
		jobs = append(jobs, *cloneJob(job))
	}
	return jobs, nil
}

func (m *MemoryStore) StartJob(ctx context.Context, jobID uuid.UUID) error {
	return m.transitionJob(ctx, jobID, domain.JobProcessing, func(job *domain.ProcessingJob) {
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
	})
}

func (m *MemoryStore) AdvanceJob(ctx context.Context, jobID uuid.UUID, delta int, fragment *domain.JobResults) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != domain.JobProcessing {
		return ErrJobConflict
	}
	job.Progress += delta
	if job.Progress > 99 {
		job.Progress = 99
	}
	if fragment != nil {
		if fragment.Transcription != nil {
			job.Results.Transcription = fragment.Transcription
		}
		if fragment.Summary != nil {
			job.Results.Summary = fragment.Summary
		}
		if fragment.Analysis != nil {
			job.Results.Analysis = fragment.Analysis
		}
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	return m.transitionJob(ctx, jobID, domain.JobCompleted, func(job *domain.ProcessingJob) {
		job.Progress = 100
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

func (m *MemoryStore) FailJob(ctx context.Context, jobID uuid.UUID, message string) error {
	return m.transitionJob(ctx, jobID, domain.JobFailed, func(job *domain.ProcessingJob) {
		job.ErrorMessage = message
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

func (m *MemoryStore) transitionJob(ctx context.Context, jobID uuid.UUID, to domain.JobStatus, apply func(*domain.ProcessingJob)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	from := job.Status
	if !domain.CanTransitionJob(from, to) {
		return ErrJobConflict
	}
	job.Status = to
	apply(job)
	job.UpdatedAt = time.Now().UTC()
	m.appendOutbox(domain.NewJobStatusChanged(jobID, job.WorkspaceID, from, to))
	return nil
}

func (m *MemoryStore) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ProcessingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.ProcessingJob
	for _, job := range m.jobs {
		stuck := (job.Status == domain.JobProcessing && job.UpdatedAt.Before(cutoff)) ||
			(job.Status == domain.JobPending && job.CreatedAt.Before(cutoff))
		if stuck {
			matched = append(matched, job)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.Before(matched[j].UpdatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]domain.ProcessingJob, 0, len(matched))
	for _, job := range matched {
		jobs = append(jobs, *cloneJob(job))
	}
	return jobs, nil
}

func (m *MemoryStore) GetWorkspaceUsage(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceUsage, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkspaceUsage{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if usage, ok := m.usage[workspaceID]; ok {
		return *usage, nil
	}
	return domain.WorkspaceUsage{WorkspaceID: workspaceID}, nil
}

func (m *MemoryStore) GetWorkspaceLimits(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceLimits, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkspaceLimits{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limits, ok := m.plans[workspaceID]; ok {
		return *limits, nil
	}
	return domain.DefaultLimits(workspaceID), nil
}

func (m *MemoryStore) AddUsage(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	usage, ok := m.usage[workspaceID]
	if !ok {
		usage = &domain.WorkspaceUsage{WorkspaceID: workspaceID}
		m.usage[workspaceID] = usage
	}
	if kind == domain.ResourceStorage {
		usage.StorageBytes += amount
	} else {
		usage.ProcessingSeconds += amount
	}
	return nil
}

func (m *MemoryStore) appendOutbox(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	m.nextID++
	m.outbox = append(m.outbox, &memOutboxRow{ev: domain.OutboxEvent{
		ID:          m.nextID,
		EventID:     event.EventID(),
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		Payload:     payload,
		OccurredAt:  event.OccurredAt(),
	}})
}

func (m *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []domain.OutboxEvent
	for _, row := range m.outbox {
		if row.processed {
			continue
		}
		events = append(events, row.ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (m *MemoryStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.outbox {
		if row.ev.ID == id {
			row.processed = true
			return nil
		}
	}
	return nil
}

func cloneJob(job *domain.ProcessingJob) *domain.ProcessingJob {
	cp := *job
	cp.Operations = append([]domain.OperationKind(nil), job.Operations...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	if job.Results.Transcription != nil {
		r := *job.Results.Transcription
		r.Segments = append([]domain.TranscriptSegment(nil), job.Results.Transcription.Segments...)
		cp.Results.Transcription = &r
	}
	if job.Results.Summary != nil {
		r := *job.Results.Summary
		r.KeyPoints = append([]string(nil), job.Results.Summary.KeyPoints...)
		cp.Results.Summary = &r
	}
	if job.Results.Analysis != nil {
		r := *job.Results.Analysis
		r.Topics = append([]string(nil), job.Results.Analysis.Topics...)
		r.Entities = append([]string(nil), job.Results.Analysis.Entities...)
		cp.Results.Analysis = &r
	}
	return &cp
}
