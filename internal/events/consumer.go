package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler processes one decoded message. Returning an error leaves the
// offset uncommitted so the message is redelivered; handlers are
// idempotent.
type Handler func(ctx context.Context, msg Message) error

// Consumer runs a Kafka reader loop for one consumer group over a set of
// topics.
type Consumer struct {
	reader *kafka.Reader
	log    zerolog.Logger
}

// NewConsumer creates a consumer for the group over the topics.
func NewConsumer(brokers []string, group string, topics []string, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     group,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    1 << 20,
		}),
		log: log.With().Str("component", "event_consumer").Str("group", group).Logger(),
	}
}

// Run fetches, decodes and handles messages until ctx is cancelled.
// Offsets commit only after the handler succeeds; handler failures rely
// on redelivery. Undecodable messages are logged, dropped and committed.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		msg, err := c.decode(raw)
		if err != nil {
			c.log.Warn().Err(err).Str("topic", raw.Topic).Msg("Dropping undecodable message")
			if err := c.reader.CommitMessages(ctx, raw); err != nil {
				c.log.Error().Err(err).Msg("Failed to commit dropped message")
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			c.log.Error().Err(err).
				Str("topic", msg.Topic).
				Str("correlation_id", msg.CorrelationID).
				Msg("Handler failed, message will be redelivered")
			continue
		}

		if err := c.reader.CommitMessages(ctx, raw); err != nil {
			c.log.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to commit offset")
		}
	}
}

func (c *Consumer) decode(raw kafka.Message) (Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw.Value, &envelope); err != nil {
		return Message{}, err
	}
	payload, err := Decode(raw.Topic, envelope.Data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic:         raw.Topic,
		Key:           string(raw.Key),
		CorrelationID: envelope.CorrelationID,
		Timestamp:     envelope.Timestamp,
		Data:          payload,
	}, nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
