package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAndParse(t *testing.T) {
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":9900,"metadata":{"purchaseId":"p1"}}}}`)
	secret := "whsec_test"

	event, err := VerifyAndParse(body, Sign(body, secret), secret)
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.succeeded", event.Type)
	assert.Equal(t, "pi_123", event.Data.Object.Reference)
	assert.Equal(t, "p1", event.Data.Object.Metadata["purchaseId"])
}

func TestVerifyAndParseRejectsBadSignature(t *testing.T) {
	body := []byte(`{"type":"payout.paid"}`)

	_, err := VerifyAndParse(body, "deadbeef", "whsec_test")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIdempotencyKeyStable(t *testing.T) {
	assert.Equal(t, idempotencyKey("w1"), idempotencyKey("w1"))
	assert.NotEqual(t, idempotencyKey("w1"), idempotencyKey("w2"))
}
