// Package payments wraps the external payment provider API. Purchases
// use it to create payment intents; funded withdrawals use it to create
// payouts. Outcomes arrive asynchronously on the webhook endpoint.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds provider connection settings.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// Intent is a created payment intent. The reference is the idempotency
// handle the webhook later correlates on.
type Intent struct {
	Reference    string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Status       string `json:"status"`
}

// Payout is a created payout request.
type Payout struct {
	Reference string `json:"id"`
	Status    string `json:"status"`
}

// Client talks to the payment provider.
type Client struct {
	http   *resty.Client
	secret string
	log    zerolog.Logger
}

// New creates a provider client with a bounded request timeout.
func New(cfg Config, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		secret: cfg.SecretKey,
		log:    log.With().Str("component", "payments").Logger(),
	}
}

// CreateIntent creates a payment intent for a tier purchase.
func (c *Client) CreateIntent(ctx context.Context, amountCents int64, currency, purchaseID string) (*Intent, error) {
	var intent Intent
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"amount":   amountCents,
			"currency": currency,
			"metadata": map[string]string{"purchaseId": purchaseID},
		}).
		SetResult(&intent).
		Post("/v1/payment_intents")
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("payment intent rejected: %s: %s", resp.Status(), resp.String())
	}

	c.log.Info().Str("purchase_id", purchaseID).Str("intent", intent.Reference).Msg("Payment intent created")
	return &intent, nil
}

// CreatePayout requests a payout for an approved withdrawal. The
// idempotency key pins retries to a single provider-side payout.
func (c *Client) CreatePayout(ctx context.Context, amountCents int64, currency, withdrawalID string) (*Payout, error) {
	var payout Payout
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey(withdrawalID)).
		SetBody(map[string]any{
			"amount":   amountCents,
			"currency": currency,
			"metadata": map[string]string{"withdrawalId": withdrawalID},
		}).
		SetResult(&payout).
		Post("/v1/payouts")
	if err != nil {
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("payout rejected: %s: %s", resp.Status(), resp.String())
	}

	c.log.Info().Str("withdrawal_id", withdrawalID).Str("payout", payout.Reference).Msg("Payout created")
	return &payout, nil
}

func idempotencyKey(withdrawalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("payout:"+withdrawalID)).String()
}
