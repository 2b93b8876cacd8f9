package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

type sunkEvent struct {
	key       string
	eventType string
	value     []byte
}

type fakeSink struct {
	mu        sync.Mutex
	published []sunkEvent
	failNext  int
}

func (s *fakeSink) Publish(ctx context.Context, key, eventType string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("broker unreachable")
	}
	s.published = append(s.published, sunkEvent{key: key, eventType: eventType, value: value})
	return nil
}

// seedTransitions produces one session event and one job event in the outbox
// and returns their aggregate ids in append order.
func seedTransitions(t *testing.T, st *store.MemoryStore) (sessionID, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

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
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.CompleteSession(ctx, sess.ID, "https://cdn/a.mp3", ""))

	j := &domain.ProcessingJob{
		ID:              uuid.New(),
		OwnerID:         sess.OwnerID,
		WorkspaceID:     sess.WorkspaceID,
		UploadSessionID: sess.ID,
		Operations:      []domain.OperationKind{domain.OpTranscribe},
		Status:          domain.JobPending,
	}
	require.NoError(t, st.CreateJob(ctx, j))
	require.NoError(t, st.StartJob(ctx, j.ID))

	return sess.ID, j.ID
}

func TestRelayBatchPublishesAndMarks(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{}
	relay := NewRelay(st, sink, time.Second, zerolog.Nop())
	ctx := context.Background()

	sessionID, jobID := seedTransitions(t, st)

	require.NoError(t, relay.relayBatch(ctx))
	require.Len(t, sink.published, 2)

	require.Equal(t, sessionID.String(), sink.published[0].key)
	require.Equal(t, domain.EventSessionStatusChanged, sink.published[0].eventType)
	require.Equal(t, jobID.String(), sink.published[1].key)
	require.Equal(t, domain.EventJobStatusChanged, sink.published[1].eventType)

	// Payloads carry the transition, decodable without the store.
	var payload struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	require.NoError(t, json.Unmarshal(sink.published[0].value, &payload))
	require.Equal(t, "pending", payload.From)
	require.Equal(t, "completed", payload.To)

	// Everything published is marked; a second sweep is a no-op.
	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, relay.relayBatch(ctx))
	require.Len(t, sink.published, 2)
}

func TestRelayBatchKeepsFailedRowsPending(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{failNext: 1}
	relay := NewRelay(st, sink, time.Second, zerolog.Nop())
	ctx := context.Background()

	sessionID, jobID := seedTransitions(t, st)

	// First publish (the session event) fails; the run keeps going.
	require.NoError(t, relay.relayBatch(ctx))
	require.Len(t, sink.published, 1)
	require.Equal(t, jobID.String(), sink.published[0].key)

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, sessionID, pending[0].AggregateID)

	// The failed row is retried on the next sweep.
	require.NoError(t, relay.relayBatch(ctx))
	require.Len(t, sink.published, 2)
	require.Equal(t, sessionID.String(), sink.published[1].key)

	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRelayBatchEmptyOutbox(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{}
	relay := NewRelay(st, sink, time.Second, zerolog.Nop())

	require.NoError(t, relay.relayBatch(context.Background()))
	require.Empty(t, sink.published)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	relay := NewRelay(st, &fakeSink{}, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, relay.Run(ctx), context.Canceled)
}
