package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/objectstore"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

const maxFilenameLength = 255

// InitRequest describes a new upload.
type InitRequest struct {
	Filename     string
	DeclaredSize int64
	MimeType     string
}

// InitResponse returns the session id and, for multipart sessions, the chunk plan.
type InitResponse struct {
	SessionID      uuid.UUID
	Strategy       domain.UploadStrategy
	Provider       domain.StorageProvider
	ChunkSize      int64
	TotalChunks    int
	MaxUploadBytes int64
}

// ChunkResult acknowledges one received chunk.
type ChunkResult struct {
	Ordinal        int
	Size           int64
	Checksum       string
	ReceivedChunks int
	TotalChunks    int
	Progress       int
	Completed      bool
	PublicURL      string
}

// SessionView is the caller-facing session snapshot.
type SessionView struct {
	SessionID      uuid.UUID
	Status         domain.SessionStatus
	Strategy       domain.UploadStrategy
	Filename       string
	Progress       int
	ReceivedChunks int
	TotalChunks    int
	ChunkSize      int64
	PublicURL      string
	FailureReason  string
}

// QuotaGuard is the admission contract the service depends on.
type QuotaGuard interface {
	Admit(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) (domain.QuotaDecision, error)
	Invalidate(ctx context.Context, workspaceID uuid.UUID)
}

// Service orchestrates the upload lifecycle between the DB, the remote chunk
// store, and the quota guard.
type Service struct {
	cfg    *config.Config
	store  store.Store
	chunks objectstore.ChunkStore
	quota  QuotaGuard
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewService constructs a Service instance.
func NewService(cfg *config.Config, st store.Store, chunks objectstore.ChunkStore, guard QuotaGuard, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		chunks: chunks,
		quota:  guard,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "upload_service").Logger(),
	}
}

// Initialize validates the request, admits it against the workspace storage
// quota, picks the strategy, and creates the session. Multipart sessions open
// the remote transaction here so chunks can flow immediately.
func (s *Service) Initialize(ctx context.Context, p domain.Principal, req InitRequest) (*InitResponse, error) {
	if err := s.validateInit(req); err != nil {
		return nil, err
	}

	decision, err := s.quota.Admit(ctx, p.WorkspaceID, domain.ResourceStorage, req.DeclaredSize)
	if err != nil {
		return nil, fmt.Errorf("quota admission: %w", err)
	}
	if !decision.Allowed {
		return nil, &domain.QuotaError{
			Kind:       domain.ResourceStorage,
			Reason:     decision.Reason,
			Suggestion: decision.Suggestion,
		}
	}

	sessionID := uuid.New()
	storageKey := fmt.Sprintf("audio/%s/%s/%s", p.WorkspaceID, sessionID, req.Filename)

	strategy := domain.StrategySingle
	var chunkSize int64
	var totalChunks int
	var remoteUploadID string
	if req.DeclaredSize > s.cfg.MultipartThresholdBytes {
		strategy = domain.StrategyMultipart
		chunkSize = s.cfg.ChunkSizeBytes
		totalChunks = int(req.DeclaredSize / chunkSize)
		if req.DeclaredSize%chunkSize != 0 {
			totalChunks++
		}
		remoteUploadID, err = s.chunks.BeginMultipart(ctx, storageKey, req.MimeType)
		if err != nil {
			return nil, fmt.Errorf("open multipart transaction: %w", err)
		}
	}

	sess := &domain.UploadSession{
		ID:             sessionID,
		OwnerID:        p.UserID,
		WorkspaceID:    p.WorkspaceID,
		Filename:       req.Filename,
		DeclaredSize:   req.DeclaredSize,
		MimeType:       req.MimeType,
		Strategy:       strategy,
		Provider:       s.chunks.Provider(),
		StorageKey:     storageKey,
		RemoteUploadID: remoteUploadID,
		Status:         domain.SessionPending,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if remoteUploadID != "" {
			if abortErr := s.chunks.AbortMultipart(ctx, storageKey, remoteUploadID); abortErr != nil {
				s.logger.Warn().Err(abortErr).Str("session_id", sessionID.String()).Msg("abort after failed session create")
			}
		}
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("workspace_id", p.WorkspaceID.String()).
		Str("strategy", string(strategy)).
		Int64("declared_size", req.DeclaredSize).
		Msg("upload session initialized")

	return &InitResponse{
		SessionID:      sessionID,
		Strategy:       strategy,
		Provider:       sess.Provider,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
	}, nil
}

// ReceiveChunk stores one chunk remotely, records it, and completes the
// session when the final missing ordinal lands. Re-sending an ordinal
// overwrites the earlier chunk.
func (s *Service) ReceiveChunk(ctx context.Context, p domain.Principal, sessionID uuid.UUID, ordinal, totalHint int, data []byte, checksumHint string) (*ChunkResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID, p.UserID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if sess.Strategy != domain.StrategyMultipart {
		return nil, domain.ValidationError("strategy", "session does not accept chunked upload")
	}
	if sess.Status.Terminal() {
		return nil, domain.ErrUploadConflict
	}
	if ordinal < 0 || ordinal >= sess.TotalChunks {
		return nil, domain.ValidationError("ordinal", fmt.Sprintf("%d out of range [0,%d)", ordinal, sess.TotalChunks))
	}
	if totalHint > 0 && totalHint != sess.TotalChunks {
		return nil, domain.ValidationError("totalChunks", fmt.Sprintf("%d does not match session chunk plan of %d", totalHint, sess.TotalChunks))
	}
	if expected := expectedChunkSize(sess, ordinal); int64(len(data)) != expected {
		return nil, domain.ValidationError("chunk", fmt.Sprintf("ordinal %d expects %d bytes, got %d", ordinal, expected, len(data)))
	}

	checksum := sha256Hex(data)
	if checksumHint != "" && !strings.EqualFold(checksumHint, checksum) {
		return nil, domain.ValidationError("checksum", fmt.Sprintf("mismatch for chunk %d", ordinal))
	}

	part, err := s.chunks.PutPart(ctx, sess.StorageKey, sess.RemoteUploadID, ordinal, data)
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sessionID.String()).
			Int("ordinal", ordinal).
			Bool("transient", objectstore.IsTransient(err)).
			Msg("chunk store write failed")
		return nil, fmt.Errorf("store chunk %d: %w", ordinal, err)
	}

	received, total, err := s.store.RecordChunk(ctx, &domain.Chunk{
		SessionID: sessionID,
		Ordinal:   ordinal,
		SizeBytes: int64(len(data)),
		Checksum:  checksum,
		PartToken: part.Token,
	})
	if err != nil {
		return nil, mapSessionErr(err)
	}

	result := &ChunkResult{
		Ordinal:        ordinal,
		Size:           int64(len(data)),
		Checksum:       checksum,
		ReceivedChunks: received,
		TotalChunks:    total,
		Progress:       chunkProgress(received, total),
	}
	if received == total {
		publicURL, err := s.finishMultipart(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		result.Completed = true
		result.Progress = 100
		result.PublicURL = publicURL
	}
	return result, nil
}

// finishMultipart runs the completion path under the per-session lock so it
// triggers exactly once for concurrent chunk arrivals.
func (s *Service) finishMultipart(ctx context.Context, sessionID uuid.UUID) (string, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return "", mapSessionErr(err)
	}
	if sess.Status == domain.SessionCompleted {
		return sess.PublicURL, nil
	}
	if sess.Status.Terminal() {
		return "", domain.ErrUploadConflict
	}

	chunks, err := s.store.ListChunks(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(chunks) != sess.TotalChunks {
		return "", fmt.Errorf("chunk manifest incomplete (%d/%d)", len(chunks), sess.TotalChunks)
	}
	parts := make([]objectstore.Part, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, objectstore.Part{Ordinal: c.Ordinal, Token: c.PartToken})
	}

	location, err := s.chunks.CompleteMultipart(ctx, sess.StorageKey, sess.RemoteUploadID, parts)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID.String()).Msg("multipart assembly failed")
		if abortErr := s.chunks.AbortMultipart(ctx, sess.StorageKey, sess.RemoteUploadID); abortErr != nil {
			s.logger.Warn().Err(abortErr).Str("session_id", sessionID.String()).Msg("abort after failed assembly")
		}
		reason := fmt.Sprintf("multipart assembly failed: %v", err)
		if failErr := s.store.FailSession(ctx, sessionID, reason); failErr != nil {
			s.logger.Error().Err(failErr).Str("session_id", sessionID.String()).Msg("mark session failed")
		}
		return "", fmt.Errorf("complete multipart: %w", err)
	}

	publicURL := s.publicURL(sess.StorageKey, location)
	if err := s.store.CompleteSession(ctx, sessionID, publicURL, ""); err != nil {
		if errors.Is(err, store.ErrSessionConflict) {
			// Lost a race against cancellation.
			return "", domain.ErrUploadConflict
		}
		return "", err
	}
	s.recordStorageUsage(ctx, sess.WorkspaceID, sess.DeclaredSize)

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Int("chunks", len(chunks)).
		Msg("multipart upload completed")
	return publicURL, nil
}

// ReceiveSingle stores the whole payload in one call. Only valid while a
// single-strategy session is still pending.
func (s *Service) ReceiveSingle(ctx context.Context, p domain.Principal, sessionID uuid.UUID, data []byte) (*SessionView, error) {
	sess, err := s.store.GetSession(ctx, sessionID, p.UserID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if sess.Strategy != domain.StrategySingle {
		return nil, domain.ValidationError("strategy", "session expects chunked upload")
	}
	if sess.Status != domain.SessionPending {
		return nil, domain.ErrUploadConflict
	}
	if int64(len(data)) != sess.DeclaredSize {
		return nil, domain.ValidationError("payload", fmt.Sprintf("expected %d bytes, got %d", sess.DeclaredSize, len(data)))
	}

	checksum := sha256Hex(data)
	location, err := s.chunks.PutSingle(ctx, sess.StorageKey, data, sess.MimeType)
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sessionID.String()).
			Bool("transient", objectstore.IsTransient(err)).
			Msg("single-shot store write failed")
		if objectstore.IsPermanent(err) {
			reason := fmt.Sprintf("upload failed: %v", err)
			if failErr := s.store.FailSession(ctx, sessionID, reason); failErr != nil {
				s.logger.Error().Err(failErr).Str("session_id", sessionID.String()).Msg("mark session failed")
			}
		}
		return nil, fmt.Errorf("store payload: %w", err)
	}

	publicURL := s.publicURL(sess.StorageKey, location)
	if err := s.store.CompleteSession(ctx, sessionID, publicURL, checksum); err != nil {
		return nil, mapSessionErr(err)
	}
	s.recordStorageUsage(ctx, sess.WorkspaceID, sess.DeclaredSize)

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Int64("size", sess.DeclaredSize).
		Msg("single-shot upload completed")

	final, err := s.store.GetSession(ctx, sessionID, p.UserID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return viewOf(final), nil
}

// Cancel moves an in-progress session to cancelled and releases remote
// multipart state. Cancelling an already-cancelled session is a no-op; the
// status gate guarantees the remote abort runs at most once.
func (s *Service) Cancel(ctx context.Context, p domain.Principal, sessionID uuid.UUID) error {
	sess, err := s.store.GetSession(ctx, sessionID, p.UserID)
	if err != nil {
		return mapSessionErr(err)
	}
	if sess.Status == domain.SessionCancelled {
		return nil
	}
	if sess.Status.Terminal() {
		return domain.ErrUploadConflict
	}

	if err := s.store.CancelSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionConflict) {
			current, getErr := s.store.GetSessionByID(ctx, sessionID)
			if getErr == nil && current.Status == domain.SessionCancelled {
				return nil
			}
			return domain.ErrUploadConflict
		}
		return mapSessionErr(err)
	}

	if sess.Strategy == domain.StrategyMultipart && sess.RemoteUploadID != "" {
		if err := s.chunks.AbortMultipart(ctx, sess.StorageKey, sess.RemoteUploadID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("remote abort failed")
		}
	}
	if err := s.store.DeleteChunks(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("chunk cleanup failed")
	}

	s.logger.Info().Str("session_id", sessionID.String()).Msg("upload session cancelled")
	return nil
}

// Progress returns the latest session state for polling.
func (s *Service) Progress(ctx context.Context, p domain.Principal, sessionID uuid.UUID) (*SessionView, error) {
	sess, err := s.store.GetSession(ctx, sessionID, p.UserID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return viewOf(sess), nil
}

func (s *Service) validateInit(req InitRequest) error {
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		return domain.ValidationError("filename", "is required")
	}
	if len(name) > maxFilenameLength {
		return domain.ValidationError("filename", fmt.Sprintf("exceeds %d characters", maxFilenameLength))
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return domain.ValidationError("filename", "contains invalid characters")
	}
	if req.DeclaredSize <= 0 {
		return domain.ValidationError("declaredSize", "must be greater than zero")
	}
	if req.DeclaredSize > s.cfg.MaxUploadBytes {
		return domain.ValidationError("declaredSize", fmt.Sprintf("exceeds max upload size (%d bytes)", s.cfg.MaxUploadBytes))
	}
	if !s.mimeAllowed(req.MimeType) {
		return domain.ValidationError("mimeType", fmt.Sprintf("%q is not allowed", req.MimeType))
	}
	return nil
}

func (s *Service) mimeAllowed(mimeType string) bool {
	for _, allowed := range s.cfg.AllowedMimeTypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

func (s *Service) publicURL(storageKey, providerLocation string) string {
	if s.cfg.CDNBaseURL != "" {
		return s.cfg.CDNBaseURL + "/" + storageKey
	}
	return providerLocation
}

func (s *Service) recordStorageUsage(ctx context.Context, workspaceID uuid.UUID, bytes int64) {
	if err := s.store.AddUsage(ctx, workspaceID, domain.ResourceStorage, bytes); err != nil {
		s.logger.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("storage usage accounting failed")
		return
	}
	s.quota.Invalidate(ctx, workspaceID)
}

func viewOf(sess *domain.UploadSession) *SessionView {
	return &SessionView{
		SessionID:      sess.ID,
		Status:         sess.Status,
		Strategy:       sess.Strategy,
		Filename:       sess.Filename,
		Progress:       sess.Progress,
		ReceivedChunks: sess.ReceivedChunks,
		TotalChunks:    sess.TotalChunks,
		ChunkSize:      sess.ChunkSize,
		PublicURL:      sess.PublicURL,
		FailureReason:  sess.FailureReason,
	}
}

func expectedChunkSize(sess *domain.UploadSession, ordinal int) int64 {
	remaining := sess.DeclaredSize - int64(ordinal)*sess.ChunkSize
	if remaining > sess.ChunkSize {
		return sess.ChunkSize
	}
	return remaining
}

func chunkProgress(received, total int) int {
	if total <= 0 {
		return 0
	}
	progress := received * 100 / total
	if progress > 99 {
		progress = 99
	}
	return progress
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func mapSessionErr(err error) error {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return domain.ErrSessionNotFound
	case errors.Is(err, store.ErrSessionConflict):
		return domain.ErrUploadConflict
	}
	return err
}
