package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database using the provided connection string.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (
			id, owner_id, workspace_id, filename, declared_size_bytes, mime_type,
			strategy, provider, storage_key, remote_upload_id, status, progress,
			chunk_size_bytes, total_chunks, received_chunks, checksum, public_url,
			failure_reason, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13,0,'','','',now(),now()
		)
	`
	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.OwnerID, sess.WorkspaceID, sess.Filename, sess.DeclaredSize,
		sess.MimeType, string(sess.Strategy), string(sess.Provider), sess.StorageKey,
		sess.RemoteUploadID, string(sess.Status), sess.ChunkSize, sess.TotalChunks,
	)
	return err
}

const sessionColumns = `
	id, owner_id, workspace_id, filename, declared_size_bytes, mime_type,
	strategy, provider, storage_key, remote_upload_id, status, progress,
	chunk_size_bytes, total_chunks, received_chunks, checksum, public_url,
	failure_reason, created_at, updated_at, completed_at
`

func scanSession(row pgx.Row) (*domain.UploadSession, error) {
	var sess domain.UploadSession
	var strategy, provider, status string
	err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&sess.WorkspaceID,
		&sess.Filename,
		&sess.DeclaredSize,
		&sess.MimeType,
		&strategy,
		&provider,
		&sess.StorageKey,
		&sess.RemoteUploadID,
		&status,
		&sess.Progress,
		&sess.ChunkSize,
		&sess.TotalChunks,
		&sess.ReceivedChunks,
		&sess.Checksum,
		&sess.PublicURL,
		&sess.FailureReason,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Strategy = domain.UploadStrategy(strategy)
	sess.Provider = domain.StorageProvider(provider)
	sess.Status = domain.SessionStatus(status)
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID, ownerID uuid.UUID) (*domain.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1 AND owner_id = $2`
	return scanSession(s.pool.QueryRow(ctx, query, sessionID, ownerID))
}

func (s *PostgresStore) GetSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`
	return scanSession(s.pool.QueryRow(ctx, query, sessionID))
}

// RecordChunk guards the session row, upserts the chunk, and advances the
// session counters in one transaction. Progress stays capped below 100 until
// CompleteSession runs.
func (s *PostgresStore) RecordChunk(ctx context.Context, chunk *domain.Chunk) (int, int, error) {
	var received, total int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE upload_sessions
			SET status = CASE WHEN status = 'pending' THEN 'uploading' ELSE status END,
			    updated_at = now()
			WHERE id = $1 AND status IN ('pending','uploading')
			RETURNING total_chunks
		`, chunk.SessionID).Scan(&total)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.sessionMutationError(ctx, chunk.SessionID)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO upload_chunks (session_id, ordinal, size_bytes, checksum, part_token, received_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT (session_id, ordinal) DO UPDATE SET
				size_bytes = EXCLUDED.size_bytes,
				checksum = EXCLUDED.checksum,
				part_token = EXCLUDED.part_token,
				received_at = now()
		`, chunk.SessionID, chunk.Ordinal, chunk.SizeBytes, chunk.Checksum, chunk.PartToken)
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM upload_chunks WHERE session_id = $1
		`, chunk.SessionID).Scan(&received); err != nil {
			return err
		}

		progress := 0
		if total > 0 {
			progress = received * 100 / total
			if progress > 99 {
				progress = 99
			}
		}
		_, err = tx.Exec(ctx, `
			UPDATE upload_sessions
			SET received_chunks = $2,
			    progress = GREATEST(progress, $3),
			    updated_at = now()
			WHERE id = $1
		`, chunk.SessionID, received, progress)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return received, total, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, ordinal, size_bytes, checksum, part_token, received_at
		FROM upload_chunks
		WHERE session_id = $1
		ORDER BY ordinal ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var chunk domain.Chunk
		if err := rows.Scan(
			&chunk.SessionID,
			&chunk.Ordinal,
			&chunk.SizeBytes,
			&chunk.Checksum,
			&chunk.PartToken,
			&chunk.ReceivedAt,
		); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id=$1`, sessionID)
	return err
}

func (s *PostgresStore) CompleteSession(ctx context.Context, sessionID uuid.UUID, publicURL, checksum string) error {
	return s.transitionSession(ctx, sessionID, domain.SessionCompleted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE upload_sessions
			SET status='completed', progress=100, public_url=$2, checksum=$3,
			    completed_at=now(), updated_at=now()
			WHERE id=$1
		`, sessionID, publicURL, checksum)
		return err
	})
}

func (s *PostgresStore) FailSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	return s.transitionSession(ctx, sessionID, domain.SessionFailed, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE upload_sessions
			SET status='failed', failure_reason=$2, completed_at=now(), updated_at=now()
			WHERE id=$1
		`, sessionID, reason)
		return err
	})
}

func (s *PostgresStore) CancelSession(ctx context.Context, sessionID uuid.UUID) error {
	return s.transitionSession(ctx, sessionID, domain.SessionCancelled, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE upload_sessions
			SET status='cancelled', completed_at=now(), updated_at=now()
			WHERE id=$1
		`, sessionID)
		return err
	})
}

// transitionSession locks the row, validates the state machine move, applies
// the update, and appends the outbox event in one transaction.
func (s *PostgresStore) transitionSession(ctx context.Context, sessionID uuid.UUID, to domain.SessionStatus, apply func(pgx.Tx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var fromStr string
		var workspaceID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT status, workspace_id FROM upload_sessions WHERE id = $1 FOR UPDATE
		`, sessionID).Scan(&fromStr, &workspaceID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		from := domain.SessionStatus(fromStr)
		if !domain.CanTransitionSession(from, to) {
			return ErrSessionConflict
		}
		if err := apply(tx); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.NewSessionStatusChanged(sessionID, workspaceID, from, to))
	})
}

func (s *PostgresStore) sessionMutationError(ctx context.Context, sessionID uuid.UUID) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM upload_sessions WHERE id=$1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	return ErrSessionConflict
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.ProcessingJob) error {
	query := `
		INSERT INTO processing_jobs (
			id, owner_id, workspace_id, upload_session_id, operations, status,
			progress, results, error_message, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,0,'{}'::jsonb,'',now(),now()
		)
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.OwnerID, job.WorkspaceID, job.UploadSessionID,
		opsToStrings(job.Operations), string(job.Status),
	)
	return err
}

const jobColumns = `
	id, owner_id, workspace_id, upload_session_id, operations, status,
	progress, results, error_message, created_at, updated_at, started_at, completed_at
`

func scanJob(row pgx.Row) (*domain.ProcessingJob, error) {
	var job domain.ProcessingJob
	var ops []string
	var status string
	var results []byte
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.WorkspaceID,
		&job.UploadSessionID,
		&ops,
		&status,
		&job.Progress,
		&results,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Operations = stringsToOps(ops)
	job.Status = domain.JobStatus(status)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.Results); err != nil {
			return nil, fmt.Errorf("decode job results: %w", err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID, ownerID uuid.UUID) (*domain.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE id = $1 AND owner_id = $2`
	return scanJob(s.pool.QueryRow(ctx, query, jobID, ownerID))
}

func (s *PostgresStore) GetJobByID(ctx context.Context, jobID uuid.UUID) (*domain.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE id = $1`
	return scanJob(s.pool.QueryRow(ctx, query, jobID))
}

func (s *PostgresStore) ListJobs(ctx context.Context, q JobQuery) ([]domain.ProcessingJob, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}

	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE owner_id = $1 AND workspace_id = $2`
	args := []any{q.OwnerID, q.WorkspaceID}
	if q.Status != "" {
		args = append(args, string(q.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, q.Limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID uuid.UUID) error {
	return s.transitionJob(ctx, jobID, domain.JobProcessing, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE processing_jobs
			SET status='processing', started_at=COALESCE(started_at, now()), updated_at=now()
			WHERE id=$1
		`, jobID)
		return err
	})
}

// AdvanceJob adds delta to progress, capped below 100 until CompleteJob
// runs, and merges the optional result fragment into the stored jsonb in the
// same statement. Rejected once the job leaves processing.
func (s *PostgresStore) AdvanceJob(ctx context.Context, jobID uuid.UUID, delta int, fragment *domain.JobResults) error {
	var payload []byte
	if fragment != nil {
		var err error
		payload, err = json.Marshal(fragment)
		if err != nil {
			return fmt.Errorf("encode result fragment: %w", err)
		}
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET progress = LEAST(progress + $2, 99),
		    results = CASE WHEN $3::jsonb IS NULL THEN results ELSE results || $3::jsonb END,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, jobID, delta, payload)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return s.jobMutationError(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	return s.transitionJob(ctx, jobID, domain.JobCompleted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE processing_jobs
			SET status='completed', progress=100, completed_at=now(), updated_at=now()
			WHERE id=$1
		`, jobID)
		return err
	})
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID uuid.UUID, message string) error {
	return s.transitionJob(ctx, jobID, domain.JobFailed, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE processing_jobs
			SET status='failed', error_message=$2, completed_at=now(), updated_at=now()
			WHERE id=$1
		`, jobID, message)
		return err
	})
}

func (s *PostgresStore) transitionJob(ctx context.Context, jobID uuid.UUID, to domain.JobStatus, apply func(pgx.Tx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var fromStr string
		var workspaceID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT status, workspace_id FROM processing_jobs WHERE id = $1 FOR UPDATE
		`, jobID).Scan(&fromStr, &workspaceID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		from := domain.JobStatus(fromStr)
		if !domain.CanTransitionJob(from, to) {
			return ErrJobConflict
		}
		if err := apply(tx); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.NewJobStatusChanged(jobID, workspaceID, from, to))
	})
}

func (s *PostgresStore) jobMutationError(ctx context.Context, jobID uuid.UUID) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM processing_jobs WHERE id=$1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return ErrJobConflict
}

// StaleJobs returns jobs stuck before the cutoff: processing rows whose last
// touch predates it, and pending rows never picked up.
func (s *PostgresStore) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]domain.ProcessingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM processing_jobs
		WHERE (status = 'processing' AND updated_at < $1)
		   OR (status = 'pending' AND created_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) GetWorkspaceUsage(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceUsage, error) {
	usage := domain.WorkspaceUsage{WorkspaceID: workspaceID}
	err := s.pool.QueryRow(ctx, `
		SELECT storage_bytes, processing_seconds FROM workspace_usage WHERE workspace_id = $1
	`, workspaceID).Scan(&usage.StorageBytes, &usage.ProcessingSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return domain.WorkspaceUsage{}, err
	}
	return usage, nil
}

func (s *PostgresStore) GetWorkspaceLimits(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceLimits, error) {
	limits := domain.WorkspaceLimits{WorkspaceID: workspaceID}
	err := s.pool.QueryRow(ctx, `
		SELECT plan_name, storage_limit_bytes, processing_limit_seconds
		FROM workspace_plans WHERE workspace_id = $1
	`, workspaceID).Scan(&limits.PlanName, &limits.StorageLimitBytes, &limits.ProcessingLimitSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultLimits(workspaceID), nil
	}
	if err != nil {
		return domain.WorkspaceLimits{}, err
	}
	return limits, nil
}

// AddUsage increments workspace consumption counters after successful
// uploads and completed jobs.
func (s *PostgresStore) AddUsage(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) error {
	var query string
	if kind == domain.ResourceStorage {
		query = `
			INSERT INTO workspace_usage (workspace_id, storage_bytes, processing_seconds)
			VALUES ($1, $2, 0)
			ON CONFLICT (workspace_id)
			DO UPDATE SET
				storage_bytes = workspace_usage.storage_bytes + EXCLUDED.storage_bytes,
				updated_at = now()
		`
	} else {
		query = `
			INSERT INTO workspace_usage (workspace_id, storage_bytes, processing_seconds)
			VALUES ($1, 0, $2)
			ON CONFLICT (workspace_id)
			DO UPDATE SET
				processing_seconds = workspace_usage.processing_seconds + EXCLUDED.processing_seconds,
				updated_at = now()
		`
	}
	_, err := s.pool.Exec(ctx, query, workspaceID, amount)
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, event.EventID(), event.EventType(), event.AggregateID(), payload, event.OccurredAt())
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, occurred_at
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET processed_at = now() WHERE id = $1
	`, id)
	return err
}

func opsToStrings(ops []domain.OperationKind) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}

func stringsToOps(raw []string) []domain.OperationKind {
	out := make([]domain.OperationKind, len(raw))
	for i, s := range raw {
		out[i] = domain.OperationKind(s)
	}
	return out
}
