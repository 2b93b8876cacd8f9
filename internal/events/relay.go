package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/store"
)

const relayBatchSize = 64

// EventSink is the publishing side the relay drains into.
type EventSink interface {
	Publish(ctx context.Context, key, eventType string, value []byte) error
}

// Relay moves committed outbox rows to the event sink. Status transitions
// write their event in the same transaction as the state change, so delivery
// is at-least-once: a row is marked processed only after a successful publish,
// and consumers must tolerate duplicates.
type Relay struct {
	store     store.Store
	sink      EventSink
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

func NewRelay(st store.Store, sink EventSink, interval time.Duration, logger zerolog.Logger) *Relay {
	return &Relay{
		store:     st,
		sink:      sink,
		interval:  interval,
		batchSize: relayBatchSize,
		logger:    logger.With().Str("component", "outbox_relay").Logger(),
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Int("batch_size", r.batchSize).
		Msg("outbox relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.relayBatch(ctx); err != nil {
				r.logger.Error().Err(err).Msg("outbox batch failed")
			}
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) error {
	pending, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("pending outbox: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	published := 0
	for _, ev := range pending {
		if err := r.sink.Publish(ctx, ev.AggregateID.String(), ev.EventType, ev.Payload); err != nil {
			r.logger.Warn().Err(err).
				Int64("outbox_id", ev.ID).
				Str("event_type", ev.EventType).
				Msg("publish failed, row stays pending")
			continue
		}
		published++

		if err := r.store.MarkOutboxProcessed(ctx, ev.ID); err != nil {
			// Published but not marked: the row relays again next sweep.
			r.logger.Warn().Err(err).
				Int64("outbox_id", ev.ID).
				Msg("mark processed failed")
		}
	}

	if published > 0 {
		r.logger.Info().
			Int("published", published).
			Int("batch", len(pending)).
			Msg("outbox batch relayed")
	}
	return nil
}
