package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQKeyCancelledPositions is the dead-letter list for cancelled-position
// persistence failures.
const DLQKeyCancelledPositions = "persistence:failed:cancelled-positions"

// DLQTTL bounds how long dead letters are kept.
const DLQTTL = 7 * 24 * time.Hour

// DeadLetter is one failed durable operation pushed for later replay.
type DeadLetter struct {
	AssessmentID string    `json:"assessmentId"`
	PositionID   string    `json:"positionId"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"errorMessage"`
	RetryCount   int       `json:"retryCount"`
	ErrorType    ErrorType `json:"errorType"`
}

// DLQ is a Redis-list dead-letter queue.
type DLQ struct {
	rdb *redis.Client
	key string
}

// NewDLQ creates a dead-letter queue on the given list key.
func NewDLQ(rdb *redis.Client, key string) *DLQ {
	return &DLQ{rdb: rdb, key: key}
}

// Push appends an entry and refreshes the list TTL.
func (q *DLQ) Push(ctx context.Context, entry DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.key, data)
	pipe.Expire(ctx, q.key, DLQTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// Size returns the current queue depth.
func (q *DLQ) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letter queue size: %w", err)
	}
	return n, nil
}
