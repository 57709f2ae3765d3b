// Package trading implements the order-placement saga and the manual
// position close against the hot snapshot, with synthetic fills priced
// off the cached reference price.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/metrics"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/oracle"
	"github.com/propdesk/propdesk/internal/saga"
	"github.com/propdesk/propdesk/internal/server"
)

var (
	// ErrInvalidOrder rejects bad side/market/quantity combinations.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNotActive rejects trading on assessments outside the active state.
	ErrNotActive = errors.New("assessment not active")
	// ErrRiskExceeded rejects orders above the per-trade risk limit.
	ErrRiskExceeded = errors.New("risk limit exceeded")
	// ErrInsufficientBalance rejects orders the balance cannot cover.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPositionNotFound means no such position in store or snapshot.
	ErrPositionNotFound = errors.New("position not found")

	// errDrawdownTripped aborts the order saga so its compensation
	// restores the pre-order snapshot before the assessment is failed.
	errDrawdownTripped = errors.New("drawdown threshold tripped")
)

// PriceSource is the oracle slice the service needs.
type PriceSource interface {
	Price(ctx context.Context, market string) (*oracle.Price, error)
}

// Service executes order and close commands.
type Service struct {
	repo        *Repository
	assessments *assessments.Service
	states      cache.Store
	locks       *locks.Keyed
	prices      PriceSource
	producer    events.Producer
	cryptoFees  config.MarketFees
	predFees    config.MarketFees
	sagaTimeout time.Duration
	log         zerolog.Logger
}

// NewService creates the trading service.
func NewService(
	repo *Repository,
	assessmentSvc *assessments.Service,
	states cache.Store,
	keyed *locks.Keyed,
	prices PriceSource,
	producer events.Producer,
	cfg *config.Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:        repo,
		assessments: assessmentSvc,
		states:      states,
		locks:       keyed,
		prices:      prices,
		producer:    producer,
		cryptoFees:  cfg.CryptoFees,
		predFees:    cfg.PredictionFees,
		sagaTimeout: cfg.SagaTimeout,
		log:         log.With().Str("component", "trading").Logger(),
	}
}

// OrderRequest is one placement command.
type OrderRequest struct {
	AssessmentID uuid.UUID
	Market       string
	Side         string
	Quantity     float64
}

// OrderResult reports either an accepted fill or, on a drawdown trip,
// the terminal failure of the assessment. The HTTP layer returns 200
// for both: the command itself executed.
type OrderResult struct {
	Status   string                `json:"status"`
	Reason   string                `json:"reason,omitempty"`
	OrderID  string                `json:"orderId,omitempty"`
	Position *domain.PositionState `json:"position,omitempty"`
	Balance  float64               `json:"balance"`
}

// PlaceOrder runs the order saga: validate, price, risk gate, snapshot
// mutation, drawdown gate, durable trade record, events. Steps between
// the snapshot read and its write run under the assessment's lock.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, req OrderRequest) (*OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sagaTimeout)
	defer cancel()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if err := domain.ValidateSide(req.Market, req.Side); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrder, err)
	}

	assessment, err := s.assessments.Owned(ctx, userID, req.AssessmentID)
	if err != nil {
		return nil, err
	}
	if assessment.Status != database.AssessmentActive {
		return nil, ErrNotActive
	}
	tier, err := s.assessments.Tier(ctx, assessment)
	if err != nil {
		return nil, err
	}

	price, err := s.prices.Price(ctx, req.Market)
	if err != nil {
		return nil, err
	}
	quote := BuildQuote(req.Market, price.BySide(req.Side), req.Quantity, s.cryptoFees, s.predFees)

	orderID := uuid.New()
	positionID := uuid.New()
	now := time.Now()
	id := req.AssessmentID.String()

	var (
		prev     *domain.AccountState
		state    *domain.AccountState
		position domain.PositionState
		tripped  *domain.RuleResult
	)

	err = s.locks.With("assessment:"+id, func() error {
		state, err = s.states.Get(ctx, cache.ScopeAssessment, id)
		if err != nil {
			return err
		}
		if state == nil {
			return ErrNotActive
		}

		risk := quote.TotalCost / state.CurrentBalance
		if risk > tier.MaxRiskPerTrade {
			metrics.OrdersRejected.WithLabelValues("risk").Inc()
			return ErrRiskExceeded
		}
		newBalance := state.CurrentBalance - quote.TotalCost
		if newBalance < 0 {
			metrics.OrdersRejected.WithLabelValues("balance").Inc()
			return ErrInsufficientBalance
		}

		prev = state.Clone()
		position = domain.PositionState{
			ID:           positionID.String(),
			Market:       req.Market,
			Side:         req.Side,
			Quantity:     req.Quantity,
			EntryPrice:   quote.ExecutionPrice,
			CurrentPrice: quote.ExecutionPrice,
			OpenedAt:     now,
			Status:       domain.PositionActive,
		}

		steps := []saga.Step{
			{
				Name: "mutate-snapshot",
				Run: func(ctx context.Context) error {
					state.Positions = append(state.Positions, position)
					state.CurrentBalance = newBalance
					if newBalance > state.PeakBalance {
						state.PeakBalance = newBalance
					}
					return s.states.Set(ctx, cache.ScopeAssessment, id, state)
				},
				Compensate: func(ctx context.Context) error {
					return s.states.Set(ctx, cache.ScopeAssessment, id, prev)
				},
			},
			{
				Name: "drawdown-gate",
				Run: func(ctx context.Context) error {
					dd := domain.Drawdown(state.PeakBalance, state.CurrentBalance)
					if dd > tier.MaxDrawdown {
						tripped = &domain.RuleResult{
							Value:     dd,
							Threshold: tier.MaxDrawdown,
							Status:    domain.StatusViolation,
						}
						return errDrawdownTripped
					}
					return nil
				},
			},
		}
		return saga.New("order-placement", s.log).Execute(ctx, steps)
	})

	if err != nil && tripped != nil {
		return s.failOnDrawdown(ctx, assessment, tripped)
	}
	if err != nil {
		return nil, err
	}

	// Durable trade record is best-effort: the persistence worker
	// reconciles the position row on its next cycle.
	trade := &database.Trade{
		ID:             uuid.New(),
		AssessmentID:   req.AssessmentID,
		PositionID:     positionID,
		OrderID:        orderID,
		Kind:           database.TradeOpen,
		Market:         req.Market,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          quote.ExecutionPrice,
		SlippageAmount: quote.SlippageAmount,
		FeeAmount:      quote.FeeAmount,
	}
	if err := s.repo.CreateTrade(ctx, trade); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id).Msg("Failed to record open trade")
	}

	correlationID := server.CorrelationID(ctx)
	s.publish(ctx, id, &events.OrderPlacedData{
		AssessmentID: id, OrderID: orderID.String(),
		Market: req.Market, Side: req.Side, Quantity: req.Quantity,
	}, correlationID)
	s.publish(ctx, id, &events.OrderFilledData{
		AssessmentID: id, OrderID: orderID.String(), PositionID: positionID.String(),
		Market: req.Market, Side: req.Side, Quantity: req.Quantity,
		Price: quote.ExecutionPrice, FeeAmount: quote.FeeAmount,
		Balance: state.CurrentBalance,
	}, correlationID)
	s.publish(ctx, id, &events.PositionOpenedData{AssessmentID: id, Position: position}, correlationID)

	s.refreshRules(ctx, id, state, tier)

	class := "crypto"
	if domain.IsPredictionMarket(req.Market) {
		class = "prediction"
	}
	metrics.OrdersPlaced.WithLabelValues(class).Inc()

	return &OrderResult{
		Status:   "filled",
		OrderID:  orderID.String(),
		Position: &position,
		Balance:  state.CurrentBalance,
	}, nil
}

// failOnDrawdown finishes the one saga path where a well-formed order
// fails the assessment: the snapshot was already rolled back by the
// saga, so only the terminal transition and the violation remain.
func (s *Service) failOnDrawdown(ctx context.Context, assessment *database.Assessment, tripped *domain.RuleResult) (*OrderResult, error) {
	transitioned, err := s.assessments.MarkFailed(ctx, assessment.ID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		violation := &database.Violation{
			ID:           uuid.New(),
			AssessmentID: assessment.ID,
			Rule:         domain.RuleDrawdown,
			Value:        tripped.Value,
			Threshold:    tripped.Threshold,
		}
		if err := s.repo.CreateViolation(ctx, violation); err != nil {
			s.log.Error().Err(err).Str("assessment_id", assessment.ID.String()).Msg("Failed to record violation")
		}
		s.publish(ctx, assessment.ID.String(), &events.ViolationDetectedData{
			Scope:     string(cache.ScopeAssessment),
			AccountID: assessment.ID.String(),
			Rule:      domain.RuleDrawdown,
			Value:     tripped.Value,
			Threshold: tripped.Threshold,
		}, server.CorrelationID(ctx))
		metrics.ViolationsDetected.WithLabelValues(domain.RuleDrawdown).Inc()
	}

	s.log.Warn().
		Str("assessment_id", assessment.ID.String()).
		Float64("drawdown", tripped.Value).
		Msg("Order tripped drawdown, assessment failed")

	prevState, _ := s.states.Get(ctx, cache.ScopeAssessment, assessment.ID.String())
	balance := 0.0
	if prevState != nil {
		balance = prevState.CurrentBalance
	}
	return &OrderResult{Status: "failed", Reason: "drawdown_violation", Balance: balance}, nil
}

// CloseResult reports a manual close.
type CloseResult struct {
	PositionID  string  `json:"positionId"`
	RealizedPnl float64 `json:"realizedPnl"`
	Balance     float64 `json:"balance"`
}

// ClosePosition closes one open position at the current oracle price.
// The durable row is the primary lookup; the snapshot scan is a
// recovery path for positions not yet persisted.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID uuid.UUID) (*CloseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sagaTimeout)
	defer cancel()

	assessmentID, err := s.locatePosition(ctx, userID, positionID)
	if err != nil {
		return nil, err
	}

	assessment, err := s.assessments.Owned(ctx, userID, assessmentID)
	if err != nil {
		return nil, err
	}
	if assessment.Status != database.AssessmentActive {
		return nil, ErrNotActive
	}

	id := assessmentID.String()
	var (
		closed      domain.PositionState
		realizedPnl float64
		balance     float64
		exitPrice   float64
	)
	err = s.locks.With("assessment:"+id, func() error {
		state, err := s.states.Get(ctx, cache.ScopeAssessment, id)
		if err != nil {
			return err
		}
		if state == nil {
			return ErrNotActive
		}
		entry := state.FindPosition(positionID.String())
		if entry == nil || entry.Status != domain.PositionActive {
			return ErrPositionNotFound
		}
		closed = *entry

		price, err := s.prices.Price(ctx, closed.Market)
		if err != nil {
			return err
		}
		exitPrice = price.BySide(closed.Side)
		realizedPnl = domain.PositionPnl(closed.Side, closed.Quantity, closed.EntryPrice, exitPrice)

		state.RemovePosition(closed.ID)
		state.CurrentBalance += closed.Quantity*closed.EntryPrice + realizedPnl
		state.RealizedPnl += realizedPnl
		state.UnrealizedPnl = state.SumUnrealized()
		state.TradeCount++
		if state.CurrentBalance > state.PeakBalance {
			state.PeakBalance = state.CurrentBalance
		}
		balance = state.CurrentBalance
		return s.states.Set(ctx, cache.ScopeAssessment, id, state)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.repo.ClosePosition(ctx, positionID, now); err != nil {
		s.log.Warn().Err(err).Str("position_id", positionID.String()).Msg("Failed to close durable position")
	}
	trade := &database.Trade{
		ID:           uuid.New(),
		AssessmentID: assessmentID,
		PositionID:   positionID,
		OrderID:      uuid.New(),
		Kind:         database.TradeClose,
		Market:       closed.Market,
		Side:         closed.Side,
		Quantity:     closed.Quantity,
		Price:        exitPrice,
		RealizedPnl:  realizedPnl,
	}
	if err := s.repo.CreateTrade(ctx, trade); err != nil {
		s.log.Warn().Err(err).Str("position_id", positionID.String()).Msg("Failed to record close trade")
	}

	correlationID := server.CorrelationID(ctx)
	s.publish(ctx, id, &events.PositionClosedData{
		AssessmentID: id, PositionID: closed.ID, Market: closed.Market,
		EntryPrice: closed.EntryPrice, ExitPrice: exitPrice, RealizedPnl: realizedPnl,
	}, correlationID)
	s.publish(ctx, id, &events.TradeCompletedData{
		AssessmentID: id, PositionID: closed.ID,
		RealizedPnl: realizedPnl, Balance: balance,
	}, correlationID)

	if tier, terr := s.assessments.Tier(ctx, assessment); terr == nil {
		if state, serr := s.states.Get(ctx, cache.ScopeAssessment, id); serr == nil && state != nil {
			s.refreshRules(ctx, id, state, tier)
		}
	}

	return &CloseResult{PositionID: closed.ID, RealizedPnl: realizedPnl, Balance: balance}, nil
}

// locatePosition resolves a position id to its assessment, durable row
// first, then the caller's live snapshots.
func (s *Service) locatePosition(ctx context.Context, userID, positionID uuid.UUID) (uuid.UUID, error) {
	row, err := s.repo.FindPosition(ctx, positionID)
	if err != nil {
		return uuid.Nil, err
	}
	if row != nil {
		return row.AssessmentID, nil
	}

	ids, err := s.states.Keys(ctx, cache.ScopeAssessment)
	if err != nil {
		return uuid.Nil, err
	}
	for _, id := range ids {
		state, err := s.states.Get(ctx, cache.ScopeAssessment, id)
		if err != nil || state == nil {
			continue
		}
		if state.FindPosition(positionID.String()) != nil {
			assessmentID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			if a, err := s.assessments.Find(ctx, assessmentID); err == nil && a != nil && a.UserID == userID {
				return assessmentID, nil
			}
		}
	}
	return uuid.Nil, ErrPositionNotFound
}

// Positions returns the snapshot positions for an owned assessment,
// cancelled entries included (clients filter).
func (s *Service) Positions(ctx context.Context, userID, assessmentID uuid.UUID) ([]domain.PositionState, error) {
	if _, err := s.assessments.Owned(ctx, userID, assessmentID); err != nil {
		return nil, err
	}
	state, err := s.states.Get(ctx, cache.ScopeAssessment, assessmentID.String())
	if err != nil {
		return nil, err
	}
	if state == nil {
		return []domain.PositionState{}, nil
	}
	return state.Positions, nil
}

// Trades returns a page of the user's trades with the total count.
func (s *Service) Trades(ctx context.Context, userID uuid.UUID, limit, offset int) ([]database.Trade, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTradesByUser(ctx, userID, limit, offset)
}

func (s *Service) refreshRules(ctx context.Context, id string, state *domain.AccountState, tier *database.Tier) {
	snap := domain.EvaluateRules(state, domain.Thresholds{
		MaxDrawdown:     tier.MaxDrawdown,
		MaxRiskPerTrade: tier.MaxRiskPerTrade,
		MinTrades:       tier.MinTrades,
	})
	if err := s.states.SetRules(ctx, cache.ScopeAssessment, id, snap); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id).Msg("Failed to refresh rules snapshot")
	}
}

func (s *Service) publish(ctx context.Context, key string, payload events.Payload, correlationID string) {
	if err := s.producer.Publish(ctx, key, payload, correlationID); err != nil {
		s.log.Warn().Err(err).Str("topic", payload.Topic()).Msg("Failed to publish event")
	}
}
