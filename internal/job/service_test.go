package job

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

type stubGuard struct {
	mu          sync.Mutex
	decision    domain.QuotaDecision
	err         error
	admitted    []int64
	invalidated int
}

func allowAll() *stubGuard {
	return &stubGuard{decision: domain.QuotaDecision{Allowed: true}}
}

func (g *stubGuard) Admit(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) (domain.QuotaDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted = append(g.admitted, amount)
	return g.decision, g.err
}

func (g *stubGuard) Invalidate(ctx context.Context, workspaceID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidated++
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *stubGuard) {
	t.Helper()
	st := store.NewMemoryStore()
	guard := allowAll()
	return NewService(st, guard, zerolog.Nop()), st, guard
}

// seedSession persists an upload session for p and moves it to the given
// terminal-or-live status.
func seedSession(t *testing.T, st *store.MemoryStore, p domain.Principal, size int64, status domain.SessionStatus) uuid.UUID {
	t.Helper()
	sess := &domain.UploadSession{
		ID:           uuid.New(),
		OwnerID:      p.UserID,
		WorkspaceID:  p.WorkspaceID,
		Filename:     "a.mp3",
		DeclaredSize: size,
		MimeType:     "audio/mpeg",
		Strategy:     domain.StrategySingle,
		Provider:     domain.ProviderS3,
		StorageKey:   "audio/k",
		Status:       domain.SessionPending,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	switch status {
	case domain.SessionCompleted:
		require.NoError(t, st.CompleteSession(context.Background(), sess.ID, "https://cdn/a.mp3", ""))
	case domain.SessionFailed:
		require.NoError(t, st.FailSession(context.Background(), sess.ID, "boom"))
	}
	return sess.ID
}

func testPrincipal() domain.Principal {
	return domain.Principal{UserID: uuid.New(), WorkspaceID: uuid.New()}
}

func TestCreateValidation(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	_, err := svc.Create(ctx, p, CreateRequest{Operations: []domain.OperationKind{domain.OpTranscribe}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Create(ctx, p, CreateRequest{UploadSessionID: completed})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateSessionNotFound(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	ctx := context.Background()

	_, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: uuid.New(),
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	// Another user's session is invisible, not merely rejected.
	foreign := seedSession(t, st, testPrincipal(), 1000, domain.SessionCompleted)
	_, err = svc.Create(ctx, p, CreateRequest{
		UploadSessionID: foreign,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestCreateRequiresCompletedSession(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	ctx := context.Background()

	for _, status := range []domain.SessionStatus{domain.SessionPending, domain.SessionFailed} {
		id := seedSession(t, st, p, 1000, status)
		_, err := svc.Create(ctx, p, CreateRequest{
			UploadSessionID: id,
			Operations:      []domain.OperationKind{domain.OpTranscribe},
		})
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Contains(t, err.Error(), "not completed")
	}
}

func TestCreateQuotaDenied(t *testing.T) {
	svc, st, guard := newTestService(t)
	guard.decision = domain.QuotaDecision{
		Allowed:    false,
		Reason:     "processing quota exceeded",
		Suggestion: "upgrade your plan",
	}
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)

	_, err := svc.Create(context.Background(), p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	qe, ok := domain.IsQuotaError(err)
	require.True(t, ok)
	require.Equal(t, domain.ResourceProcessing, qe.Kind)
	require.Equal(t, "processing quota exceeded", qe.Reason)
}

func TestCreateAdmitsEstimatedSeconds(t *testing.T) {
	svc, st, guard := newTestService(t)
	p := testPrincipal()
	ctx := context.Background()

	// 48 KiB at the assumed 16 KiB/s bitrate is a 3 second estimate.
	big := seedSession(t, st, p, 48*1024, domain.SessionCompleted)
	_, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: big,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	// Tiny files still admit at least one second.
	small := seedSession(t, st, p, 10, domain.SessionCompleted)
	_, err = svc.Create(ctx, p, CreateRequest{
		UploadSessionID: small,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	require.Equal(t, []int64{3, 1}, guard.admitted)
}

func TestCreateHappyPath(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ops := []domain.OperationKind{domain.OpTranscribe, domain.OpSummarize}

	j, err := svc.Create(context.Background(), p, CreateRequest{UploadSessionID: completed, Operations: ops})
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, j.Status)
	require.Equal(t, completed, j.UploadSessionID)
	require.Equal(t, ops, j.Operations)
	require.Zero(t, j.Progress)

	got, err := svc.Query(context.Background(), p, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
}

func TestAdvanceValidatesDelta(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Advance(context.Background(), uuid.New(), -1, nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdvanceMergesPartial(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	j, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	// Advance before Start hits the processing-only guard.
	err = svc.Advance(ctx, j.ID, 10, nil)
	require.ErrorIs(t, err, domain.ErrJobConflict)

	require.NoError(t, svc.Start(ctx, j.ID))
	err = svc.Advance(ctx, j.ID, 30, &domain.OperationResult{
		Operation:     domain.OpTranscribe,
		Transcription: &domain.TranscriptionResult{Text: "hello"},
	})
	require.NoError(t, err)

	got, err := svc.Load(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 30, got.Progress)
	require.NotNil(t, got.Results.Transcription)
	require.Equal(t, "hello", got.Results.Transcription.Text)
}

func TestTransitionErrorMapping(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	require.ErrorIs(t, svc.Start(ctx, uuid.New()), domain.ErrJobNotFound)

	j, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	// Completing a job that was never started is a conflict.
	require.ErrorIs(t, svc.Complete(ctx, j.ID), domain.ErrJobConflict)

	require.NoError(t, svc.Start(ctx, j.ID))
	require.ErrorIs(t, svc.Start(ctx, j.ID), domain.ErrJobConflict)
	require.NoError(t, svc.Complete(ctx, j.ID))
}

func TestFailDefaultsMessage(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	j, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, j.ID, ""))

	got, err := svc.Load(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, "processing failed", got.ErrorMessage)
}

func TestQueryScopedToOwner(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	j, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	_, err = svc.Query(ctx, testPrincipal(), j.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListValidatesStatus(t *testing.T) {
	svc, st, _ := newTestService(t)
	p := testPrincipal()
	completed := seedSession(t, st, p, 1000, domain.SessionCompleted)
	ctx := context.Background()

	_, err := svc.Create(ctx, p, CreateRequest{
		UploadSessionID: completed,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
	})
	require.NoError(t, err)

	_, err = svc.List(ctx, p, domain.JobStatus("bogus"), 10, 0)
	require.ErrorIs(t, err, domain.ErrValidation)

	jobs, err := svc.List(ctx, p, "", 10, -5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = svc.List(ctx, p, domain.JobCompleted, 10, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestRecordProcessingUsage(t *testing.T) {
	svc, st, guard := newTestService(t)
	workspace := uuid.New()
	ctx := context.Background()

	svc.RecordProcessingUsage(ctx, workspace, 90)
	usage, err := st.GetWorkspaceUsage(ctx, workspace)
	require.NoError(t, err)
	require.Equal(t, int64(90), usage.ProcessingSeconds)
	require.Equal(t, 1, guard.invalidated)

	// Zero and negative amounts are dropped without touching the cache.
	svc.RecordProcessingUsage(ctx, workspace, 0)
	svc.RecordProcessingUsage(ctx, workspace, -5)
	usage, err = st.GetWorkspaceUsage(ctx, workspace)
	require.NoError(t, err)
	require.Equal(t, int64(90), usage.ProcessingSeconds)
	require.Equal(t, 1, guard.invalidated)
}
