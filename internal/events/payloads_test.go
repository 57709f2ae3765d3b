package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTypedPayloads(t *testing.T) {
	raw := []byte(`{"assessmentId":"a1","orderId":"o1","market":"BTC/USD","side":"long","quantity":0.05}`)
	payload, err := Decode(TopicOrderPlaced, raw)
	require.NoError(t, err)

	placed, ok := payload.(*OrderPlacedData)
	require.True(t, ok)
	assert.Equal(t, "a1", placed.AssessmentID)
	assert.Equal(t, TopicOrderPlaced, placed.Topic())
}

func TestDecodeLifecycleTopicsShareOneType(t *testing.T) {
	raw := []byte(`{"assessmentId":"a1","userId":"u1","status":"passed"}`)

	for _, topic := range []string{TopicAssessmentCreated, TopicAssessmentCompleted} {
		payload, err := Decode(topic, raw)
		require.NoError(t, err)
		assert.Equal(t, topic, payload.Topic())
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	_, err := Decode("not.a-topic", []byte(`{}`))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := json.Marshal(&EventCancelledData{EventID: "E1", Source: "polymarket", Status: "cancelled"})
	require.NoError(t, err)

	envelope, err := json.Marshal(Envelope{
		CorrelationID: "corr-1",
		Timestamp:     time.Now().UTC(),
		Data:          data,
	})
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(envelope, &decoded))
	assert.Equal(t, "corr-1", decoded.CorrelationID)

	payload, err := Decode(TopicEventCancelled, decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, "E1", payload.(*EventCancelledData).EventID)
}

func TestRecorderCounts(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	_ = rec.Publish(ctx, "a1", &OrderPlacedData{AssessmentID: "a1"}, "c1")
	_ = rec.Publish(ctx, "a1", &OrderFilledData{AssessmentID: "a1"}, "c1")

	assert.Equal(t, []string{TopicOrderPlaced, TopicOrderFilled}, rec.Topics())
	assert.Equal(t, 1, rec.CountTopic(TopicOrderPlaced))
}
