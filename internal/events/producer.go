package events

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// Producer publishes serialized status-change events to the events topic.
// Messages are keyed by aggregate id and hashed to partitions, so all events
// of one session or job land on the same partition in order.
type Producer struct {
	writer *kafkago.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkago.Hash{},
		},
	}
}

// Publish writes one event. The event type travels in a header so consumers
// can route without decoding the payload.
func (p *Producer) Publish(ctx context.Context, key, eventType string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
