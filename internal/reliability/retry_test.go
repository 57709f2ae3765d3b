package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, ErrorTransient, Classify(errors.New("read: connection reset by peer")))
	assert.Equal(t, ErrorTransient, Classify(errors.New("i/o timeout")))
	assert.Equal(t, ErrorTransient, Classify(errors.New("resource temporarily unavailable")))

	assert.Equal(t, ErrorPermanent, Classify(errors.New(`duplicate key value violates unique constraint "positions_pkey"`)))
	assert.Equal(t, ErrorPermanent, Classify(errors.New("insert violates foreign key constraint")))
	assert.Equal(t, ErrorPermanent, Classify(errors.New("syntax error at or near SELEC")))

	assert.Equal(t, ErrorUnknown, Classify(errors.New("something odd happened")))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	res := Do(context.Background(), DefaultPolicy, func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	res := Do(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, res.Err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	res := Do(context.Background(), DefaultPolicy, func(context.Context) error {
		calls++
		return errors.New("duplicate key value violates unique constraint")
	})

	assert.Error(t, res.Err)
	assert.Equal(t, ErrorPermanent, res.ErrorType)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsUnknown(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	res := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return errors.New("mystery failure")
	})

	assert.Error(t, res.Err)
	assert.Equal(t, ErrorUnknown, res.ErrorType)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
	res := Do(ctx, policy, func(context.Context) error {
		return errors.New("connection refused")
	})

	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestHealthTracker(t *testing.T) {
	h := NewHealthTracker()
	assert.True(t, h.Status().Healthy)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		h.RecordFailure()
	}
	assert.True(t, h.Status().Healthy)

	h.RecordFailure()
	assert.False(t, h.Status().Healthy)

	h.RecordSuccess()
	assert.True(t, h.Status().Healthy)
	assert.Equal(t, 0, h.Status().ConsecutiveFailures)
}
