package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/job"
	"github.com/evolvesystems/audiotricks-sub001/internal/objectstore"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

type passGuard struct{}

func (passGuard) Admit(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) (domain.QuotaDecision, error) {
	return domain.QuotaDecision{Allowed: true}, nil
}

func (passGuard) Invalidate(ctx context.Context, workspaceID uuid.UUID) {}

// fakeProviders implements all three operation interfaces and records the
// invocation order plus the inputs each call saw.
type fakeProviders struct {
	mu             sync.Mutex
	order          []string
	urls           []string
	summarizedWith []string
	analyzedWith   []string
	transcription  domain.TranscriptionResult
	transcribeErr  error
	summarizeErr   error
	analyzeErr     error
}

func (f *fakeProviders) Transcribe(ctx context.Context, artifact Artifact) (domain.TranscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "transcribe")
	f.urls = append(f.urls, artifact.URL)
	if f.transcribeErr != nil {
		return domain.TranscriptionResult{}, f.transcribeErr
	}
	return f.transcription, nil
}

func (f *fakeProviders) Summarize(ctx context.Context, artifact Artifact, transcript string) (domain.SummaryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "summarize")
	f.summarizedWith = append(f.summarizedWith, transcript)
	if f.summarizeErr != nil {
		return domain.SummaryResult{}, f.summarizeErr
	}
	return domain.SummaryResult{Summary: "short"}, nil
}

func (f *fakeProviders) Analyze(ctx context.Context, artifact Artifact, transcript string) (domain.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "analyze")
	f.analyzedWith = append(f.analyzedWith, transcript)
	if f.analyzeErr != nil {
		return domain.AnalysisResult{}, f.analyzeErr
	}
	return domain.AnalysisResult{Sentiment: "neutral"}, nil
}

func (f *fakeProviders) calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.order {
		if o == op {
			n++
		}
	}
	return n
}

// stubChunks only presigns; the orchestrator never writes objects.
type stubChunks struct {
	presignErr error
}

var _ objectstore.ChunkStore = (*stubChunks)(nil)

func (s *stubChunks) BeginMultipart(ctx context.Context, key, contentType string) (string, error) {
	return "", errors.New("not supported")
}

func (s *stubChunks) PutPart(ctx context.Context, key, uploadID string, ordinal int, data []byte) (objectstore.Part, error) {
	return objectstore.Part{}, errors.New("not supported")
}

func (s *stubChunks) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.Part) (string, error) {
	return "", errors.New("not supported")
}

func (s *stubChunks) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return errors.New("not supported")
}

func (s *stubChunks) PutSingle(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", errors.New("not supported")
}

func (s *stubChunks) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://signed.local/" + key, nil
}

func (s *stubChunks) Provider() domain.StorageProvider { return domain.ProviderS3 }

type rig struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	jobs   *job.Service
	prov   *fakeProviders
	chunks *stubChunks
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := &config.Config{OperationTimeout: time.Minute, PresignTTL: time.Minute}
	st := store.NewMemoryStore()
	jobs := job.NewService(st, passGuard{}, zerolog.Nop())
	prov := &fakeProviders{
		transcription: domain.TranscriptionResult{Text: "hello world", DurationSeconds: 42.4},
	}
	chunks := &stubChunks{}
	orch := NewOrchestrator(cfg, st, jobs, chunks, Providers{
		Transcriber: prov,
		Summarizer:  prov,
		Analyzer:    prov,
	}, zerolog.Nop())
	return &rig{orch: orch, store: st, jobs: jobs, prov: prov, chunks: chunks}
}

func (r *rig) seedCompletedSession(t *testing.T) *domain.UploadSession {
	t.Helper()
	sess := &domain.UploadSession{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		WorkspaceID:  uuid.New(),
		Filename:     "a.mp3",
		DeclaredSize: 1000,
		MimeType:     "audio/mpeg",
		Strategy:     domain.StrategySingle,
		Provider:     domain.ProviderS3,
		StorageKey:   "audio/ws/sess/a.mp3",
		Status:       domain.SessionPending,
	}
	require.NoError(t, r.store.CreateSession(context.Background(), sess))
	require.NoError(t, r.store.CompleteSession(context.Background(), sess.ID, "https://cdn/a.mp3", ""))
	return sess
}

func (r *rig) seedJob(t *testing.T, sess *domain.UploadSession, ops ...domain.OperationKind) *domain.ProcessingJob {
	t.Helper()
	j := &domain.ProcessingJob{
		ID:              uuid.New(),
		OwnerID:         sess.OwnerID,
		WorkspaceID:     sess.WorkspaceID,
		UploadSessionID: sess.ID,
		Operations:      ops,
		Status:          domain.JobPending,
	}
	require.NoError(t, r.store.CreateJob(context.Background(), j))
	return j
}

func TestExecuteRunsOperationsInOrder(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe, domain.OpSummarize, domain.OpAnalyze)
	ctx := context.Background()

	require.NoError(t, r.orch.Execute(ctx, j.ID))

	got, err := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Results.Transcription)
	require.NotNil(t, got.Results.Summary)
	require.NotNil(t, got.Results.Analysis)
	require.Equal(t, []string{"transcribe", "summarize", "analyze"}, r.prov.order)

	// Downstream operations receive the fresh transcript.
	require.Equal(t, []string{"hello world"}, r.prov.summarizedWith)
	require.Equal(t, []string{"hello world"}, r.prov.analyzedWith)

	// 42.4s of audio meters as 43 whole seconds.
	usage, err := r.store.GetWorkspaceUsage(ctx, sess.WorkspaceID)
	require.NoError(t, err)
	require.Equal(t, int64(43), usage.ProcessingSeconds)
}

func TestExecuteFailureStopsRun(t *testing.T) {
	r := newRig(t)
	r.prov.summarizeErr = errors.New("model overloaded")
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe, domain.OpSummarize, domain.OpAnalyze)
	ctx := context.Background()

	err := r.orch.Execute(ctx, j.ID)
	require.Error(t, err)

	got, gerr := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, gerr)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "summarize failed")
	require.Contains(t, got.ErrorMessage, "model overloaded")

	// The transcription that succeeded before the failure is kept.
	require.NotNil(t, got.Results.Transcription)
	require.Nil(t, got.Results.Summary)
	require.Zero(t, r.prov.calls("analyze"))

	// Setup plus one finished operation out of three: 10 + 80/3.
	require.Equal(t, 36, got.Progress)

	// No usage metered for a failed run.
	usage, uerr := r.store.GetWorkspaceUsage(ctx, sess.WorkspaceID)
	require.NoError(t, uerr)
	require.Zero(t, usage.ProcessingSeconds)
}

func TestExecuteSkipsUnknownOperations(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe, domain.OperationKind("translate"))
	ctx := context.Background()

	require.NoError(t, r.orch.Execute(ctx, j.ID))

	got, err := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Results.Transcription)
	require.Equal(t, []string{"transcribe"}, r.prov.order)
}

func TestExecuteAllUnknownOperationsCompletesEmpty(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OperationKind("translate"), domain.OperationKind("remix"))
	ctx := context.Background()

	require.NoError(t, r.orch.Execute(ctx, j.ID))

	got, err := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Nil(t, got.Results.Transcription)
	require.Empty(t, r.prov.order)
}

func TestExecuteTerminalJobIsNoop(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe)
	ctx := context.Background()

	require.NoError(t, r.store.StartJob(ctx, j.ID))
	require.NoError(t, r.store.FailJob(ctx, j.ID, "cancelled externally"))

	require.NoError(t, r.orch.Execute(ctx, j.ID))
	require.Empty(t, r.prov.order)

	got, err := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
}

func TestExecuteResumeSkipsRecordedResults(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe, domain.OpSummarize, domain.OpAnalyze)
	ctx := context.Background()

	// Simulate a worker that died after the transcribe advance was recorded.
	require.NoError(t, r.store.StartJob(ctx, j.ID))
	frag := domain.OperationResult{
		Operation:     domain.OpTranscribe,
		Transcription: &domain.TranscriptionResult{Text: "prior transcript", DurationSeconds: 10},
	}.Fragment()
	require.NoError(t, r.store.AdvanceJob(ctx, j.ID, 36, &frag))

	require.NoError(t, r.orch.Execute(ctx, j.ID))

	got, err := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, 100, got.Progress)

	// Transcription is not re-run and its stored transcript feeds the rest.
	require.Equal(t, []string{"summarize", "analyze"}, r.prov.order)
	require.Equal(t, []string{"prior transcript"}, r.prov.summarizedWith)
	require.Equal(t, "prior transcript", got.Results.Transcription.Text)

	usage, err := r.store.GetWorkspaceUsage(ctx, sess.WorkspaceID)
	require.NoError(t, err)
	require.Equal(t, int64(10), usage.ProcessingSeconds)
}

func TestExecuteResumeRestoresProgressFloor(t *testing.T) {
	r := newRig(t)
	r.prov.summarizeErr = errors.New("model overloaded")
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe, domain.OpSummarize)
	ctx := context.Background()

	// The job recorded its transcription but lost all progress.
	require.NoError(t, r.store.StartJob(ctx, j.ID))
	frag := domain.OperationResult{
		Operation:     domain.OpTranscribe,
		Transcription: &domain.TranscriptionResult{Text: "prior transcript"},
	}.Fragment()
	require.NoError(t, r.store.AdvanceJob(ctx, j.ID, 0, &frag))

	err := r.orch.Execute(ctx, j.ID)
	require.Error(t, err)

	// Setup plus the completed transcription share of two operations.
	got, gerr := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, gerr)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, 50, got.Progress)
	require.Zero(t, r.prov.calls("transcribe"))
}

func TestExecuteArtifactUnavailableFailsJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Session exists but never completed.
	sess := &domain.UploadSession{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		WorkspaceID: uuid.New(),
		Filename:    "a.mp3",
		MimeType:    "audio/mpeg",
		Strategy:    domain.StrategySingle,
		Provider:    domain.ProviderS3,
		StorageKey:  "audio/k",
		Status:      domain.SessionPending,
	}
	require.NoError(t, r.store.CreateSession(ctx, sess))
	j := r.seedJob(t, sess, domain.OpTranscribe)

	err := r.orch.Execute(ctx, j.ID)
	require.Error(t, err)

	got, gerr := r.store.GetJobByID(ctx, j.ID)
	require.NoError(t, gerr)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "source artifact unavailable")
	require.Empty(t, r.prov.order)
}

func TestExecutePresignedURLPreferred(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe)

	require.NoError(t, r.orch.Execute(context.Background(), j.ID))
	require.Len(t, r.prov.urls, 1)
	require.True(t, strings.HasPrefix(r.prov.urls[0], "https://signed.local/"))
}

func TestExecutePresignFailureFallsBackToPublicURL(t *testing.T) {
	r := newRig(t)
	r.chunks.presignErr = errors.New("signer unavailable")
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe)

	require.NoError(t, r.orch.Execute(context.Background(), j.ID))
	require.Equal(t, []string{"https://cdn/a.mp3"}, r.prov.urls)
}

func TestDispatcherExecutesQueuedJobs(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe)

	d := NewDispatcher(r.orch, 2, 4, zerolog.Nop())
	d.Start()
	defer d.Shutdown()

	require.True(t, d.Enqueue(j.ID))
	require.Eventually(t, func() bool {
		got, err := r.store.GetJobByID(context.Background(), j.ID)
		return err == nil && got.Status == domain.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherEnqueueReportsFullQueue(t *testing.T) {
	r := newRig(t)
	// Not started, so nothing drains the queue.
	d := NewDispatcher(r.orch, 1, 2, zerolog.Nop())

	require.True(t, d.Enqueue(uuid.New()))
	require.True(t, d.Enqueue(uuid.New()))
	require.False(t, d.Enqueue(uuid.New()))
	require.Equal(t, 2, d.Pending())
}

func TestDispatcherShutdownStopsIntake(t *testing.T) {
	r := newRig(t)
	d := NewDispatcher(r.orch, 1, 2, zerolog.Nop())
	d.Start()
	d.Shutdown()

	require.False(t, d.Enqueue(uuid.New()))
}

func TestReaperRedispatchesStalledJobs(t *testing.T) {
	r := newRig(t)
	sess := r.seedCompletedSession(t)
	j := r.seedJob(t, sess, domain.OpTranscribe)

	done := r.seedJob(t, sess, domain.OpTranscribe)
	ctx := context.Background()
	require.NoError(t, r.store.StartJob(ctx, done.ID))
	require.NoError(t, r.store.CompleteJob(ctx, done.ID))

	// Undrained dispatcher keeps the queue observable.
	d := NewDispatcher(r.orch, 1, 4, zerolog.Nop())
	reaper := NewReaper(r.store, d, 0, time.Hour, zerolog.Nop())

	time.Sleep(2 * time.Millisecond) // let the pending job age past the zero threshold
	reaper.sweep(ctx)

	require.Equal(t, 1, d.Pending())
	queued := <-d.queue
	require.Equal(t, j.ID, queued)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	d := NewDispatcher(r.orch, 1, 1, zerolog.Nop())
	reaper := NewReaper(r.store, d, time.Minute, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, reaper.Run(ctx), context.Canceled)
}
