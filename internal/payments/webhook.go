package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadSignature rejects webhook deliveries whose HMAC does not match.
var ErrBadSignature = errors.New("invalid webhook signature")

// WebhookEvent is the provider's webhook envelope.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object WebhookObject `json:"object"`
	} `json:"data"`
}

// WebhookObject is the payment or payout the event describes.
type WebhookObject struct {
	Reference string            `json:"id"`
	Amount    int64             `json:"amount"`
	Metadata  map[string]string `json:"metadata"`
}

// VerifyAndParse checks the HMAC-SHA256 signature over the raw body and
// decodes the event. Callers must pass the body exactly as received.
func VerifyAndParse(body []byte, signature, secret string) (*WebhookEvent, error) {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrBadSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &event, nil
}

// Sign computes the signature for a body. Exposed for tests and for the
// provider simulator used in development.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
