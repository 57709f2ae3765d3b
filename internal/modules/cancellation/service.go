// Package cancellation handles upstream market-event voids: every
// position on a cancelled event is refunded at entry cost plus fee and
// marked cancelled in place.
package cancellation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/server"
)

// Service scans live snapshots for positions on a voided event.
type Service struct {
	states   cache.Store
	locks    *locks.Keyed
	producer events.Producer
	cfg      *config.Config
	log      zerolog.Logger
}

// NewService creates the cancellation service.
func NewService(states cache.Store, keyed *locks.Keyed, producer events.Producer, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		states:   states,
		locks:    keyed,
		producer: producer,
		cfg:      cfg,
		log:      log.With().Str("component", "cancellation").Logger(),
	}
}

// HandleEventCancelled is the consumer handler for events.event-cancelled.
func (s *Service) HandleEventCancelled(ctx context.Context, msg events.Message) error {
	data, ok := msg.Data.(*events.EventCancelledData)
	if !ok {
		return nil
	}
	ctx = server.WithCorrelationID(ctx, msg.CorrelationID)
	return s.CancelEvent(ctx, data.EventID)
}

// CancelEvent refunds every active position on the voided event across
// all live accounts. Positions stay in the snapshot as cancelled, which
// is what makes redelivery a no-op.
func (s *Service) CancelEvent(ctx context.Context, eventID string) error {
	markets := make(map[string]struct{})
	for _, m := range domain.CancellationEventMarkets(eventID) {
		markets[m] = struct{}{}
	}

	total := 0
	for _, scope := range []cache.Scope{cache.ScopeAssessment, cache.ScopeFunded} {
		ids, err := s.states.Keys(ctx, scope)
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := s.cancelInAccount(ctx, scope, id, markets)
			if err != nil {
				s.log.Error().Err(err).
					Str("scope", string(scope)).
					Str("account_id", id).
					Str("event_id", eventID).
					Msg("Failed to refund cancelled event positions")
				continue
			}
			total += n
		}
	}

	s.log.Info().Str("event_id", eventID).Int("positions_refunded", total).Msg("Event cancellation processed")
	return nil
}

// cancelInAccount refunds matching active positions in one snapshot
// under the account lock. Returns the number of positions refunded.
func (s *Service) cancelInAccount(ctx context.Context, scope cache.Scope, id string, markets map[string]struct{}) (int, error) {
	var refunded []refundEntry
	err := s.locks.With(string(scope)+":"+id, func() error {
		state, err := s.states.Get(ctx, scope, id)
		if err != nil || state == nil {
			return err
		}

		refunded = refunded[:0]
		for i := range state.Positions {
			p := &state.Positions[i]
			if p.Status != domain.PositionActive {
				continue
			}
			if _, hit := markets[p.Market]; !hit {
				continue
			}

			refund := s.refundAmount(p.Market, p.EntryPrice, p.Quantity)
			p.Status = domain.PositionCancelled
			p.UnrealizedPnl = 0
			state.CurrentBalance += refund
			refunded = append(refunded, refundEntry{
				positionID: p.ID,
				market:     p.Market,
				amount:     refund,
			})
		}
		if len(refunded) == 0 {
			return nil
		}

		state.UnrealizedPnl = state.SumUnrealized()
		if state.CurrentBalance > state.PeakBalance {
			state.PeakBalance = state.CurrentBalance
		}
		return s.states.Set(ctx, scope, id, state)
	})
	if err != nil {
		return 0, err
	}

	for _, r := range refunded {
		s.publish(ctx, id, &events.PositionRefundedData{
			AssessmentID: id,
			PositionID:   r.positionID,
			Market:       r.market,
			Refund:       r.amount,
		})
	}
	return len(refunded), nil
}

type refundEntry struct {
	positionID string
	market     string
	amount     float64
}

// refundAmount returns the full entry cost plus the fee paid on open.
func (s *Service) refundAmount(market string, entry, quantity float64) float64 {
	fees := s.cfg.CryptoFees
	if domain.IsPredictionMarket(market) {
		fees = s.cfg.PredictionFees
	}
	return entry * quantity * (1 + fees.Fee)
}

func (s *Service) publish(ctx context.Context, key string, payload events.Payload) {
	if err := s.producer.Publish(ctx, key, payload, server.CorrelationID(ctx)); err != nil {
		s.log.Warn().Err(err).Str("topic", payload.Topic()).Msg("Failed to publish event")
	}
}
