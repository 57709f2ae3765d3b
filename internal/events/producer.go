package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Producer publishes typed payloads to the bus. The key is the account
// id so all events for one account land on one partition.
type Producer interface {
	Publish(ctx context.Context, key string, payload Payload, correlationID string) error
}

// KafkaProducer writes to Kafka through a single shared writer.
type KafkaProducer struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaProducer creates a producer against the given brokers.
func NewKafkaProducer(brokers []string, log zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log.With().Str("component", "event_producer").Logger(),
	}
}

// Publish encodes the payload in its envelope and writes it to the
// payload's topic.
func (p *KafkaProducer) Publish(ctx context.Context, key string, payload Payload, correlationID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", payload.Topic(), err)
	}
	envelope, err := json.Marshal(Envelope{
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", payload.Topic(), err)
	}

	msg := kafka.Message{
		Topic: payload.Topic(),
		Key:   []byte(key),
		Value: envelope,
		Headers: []kafka.Header{
			{Key: "correlation-id", Value: []byte(correlationID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", payload.Topic(), err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Recorder is an in-memory Producer used by tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the message instead of sending it.
func (r *Recorder) Publish(_ context.Context, key string, payload Payload, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{
		Topic:         payload.Topic(),
		Key:           key,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          payload,
	})
	return nil
}

// Topics returns the topics of all recorded messages, in order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = m.Topic
	}
	return out
}

// CountTopic returns how many recorded messages carry the given topic.
func (r *Recorder) CountTopic(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.Messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}
