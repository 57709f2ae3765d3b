// Package rules runs the periodic rules sweep over live snapshots: it
// buckets drawdown, trade count and per-trade risk against tier
// thresholds, records the result, and drives the terminal transitions
// (assessment failed, assessment passed, funded account closed).
package rules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/metrics"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/server"
)

// FundedGuard is the slice of the funded module the sweep needs: load
// an account and close it on violation.
type FundedGuard interface {
	FindAccount(ctx context.Context, id uuid.UUID) (*database.FundedAccount, error)
	Thresholds(ctx context.Context, account *database.FundedAccount) (domain.Thresholds, error)
	MarkClosed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

// Service evaluates rules and executes the violation failure handler.
type Service struct {
	repo             *Repository
	assessments      *assessments.Service
	funded           FundedGuard
	states           cache.Store
	locks            *locks.Keyed
	producer         events.Producer
	passProfitTarget float64
	log              zerolog.Logger
}

// NewService creates the rules service. funded may be nil; the funded
// sweep is skipped then.
func NewService(repo *Repository, assessmentSvc *assessments.Service, funded FundedGuard, states cache.Store, keyed *locks.Keyed, producer events.Producer, passProfitTarget float64, log zerolog.Logger) *Service {
	return &Service{
		repo:             repo,
		assessments:      assessmentSvc,
		funded:           funded,
		states:           states,
		locks:            keyed,
		producer:         producer,
		passProfitTarget: passProfitTarget,
		log:              log.With().Str("component", "rules").Logger(),
	}
}

// Run drives the sweep until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.log.Info().Dur("interval", interval).Msg("Rules monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Rules monitor stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every live assessment and funded snapshot once.
func (s *Service) Sweep(ctx context.Context) {
	s.sweepAssessments(ctx)
	s.sweepFunded(ctx)
}

func (s *Service) sweepAssessments(ctx context.Context) {
	ids, err := s.states.Keys(ctx, cache.ScopeAssessment)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to scan assessment snapshots")
		return
	}
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if err := s.CheckAssessment(ctx, id); err != nil {
			s.log.Error().Err(err).Str("assessment_id", raw).Msg("Rules check failed")
		}
	}
}

// CheckAssessment evaluates one assessment's rules, persists the
// snapshot, and triggers the failure handler or the pass transition.
func (s *Service) CheckAssessment(ctx context.Context, id uuid.UUID) error {
	assessment, err := s.assessments.Find(ctx, id)
	if err != nil {
		return err
	}
	// Guard against repeated violation events for already-failed
	// assessments whose snapshot still lingers.
	if assessment == nil || assessment.Status != database.AssessmentActive {
		return nil
	}
	tier, err := s.assessments.Tier(ctx, assessment)
	if err != nil {
		return err
	}
	thresholds := domain.Thresholds{
		MaxDrawdown:     tier.MaxDrawdown,
		MaxRiskPerTrade: tier.MaxRiskPerTrade,
		MinTrades:       tier.MinTrades,
	}

	var snap *domain.RulesSnapshot
	var state *domain.AccountState
	err = s.locks.With("assessment:"+id.String(), func() error {
		state, err = s.states.Get(ctx, cache.ScopeAssessment, id.String())
		if err != nil || state == nil {
			return err
		}
		snap = domain.EvaluateRules(state, thresholds)
		return s.states.SetRules(ctx, cache.ScopeAssessment, id.String(), snap)
	})
	if err != nil || snap == nil {
		return err
	}

	s.publish(ctx, id.String(), &events.DrawdownCheckedData{
		Scope:     string(cache.ScopeAssessment),
		AccountID: id.String(),
		Rules:     *snap,
	})

	if snap.Violated() {
		return s.FailAssessment(ctx, assessment, snap)
	}
	return s.checkPass(ctx, assessment, tier, state)
}

// checkPass promotes an assessment once the minimum trade count is met
// and the balance clears the profit target, with no open exposure.
func (s *Service) checkPass(ctx context.Context, assessment *database.Assessment, tier *database.Tier, state *domain.AccountState) error {
	if state.TradeCount < tier.MinTrades {
		return nil
	}
	if len(state.ActivePositions()) > 0 {
		return nil
	}
	if state.CurrentBalance < tier.StartingBalance*(1+s.passProfitTarget) {
		return nil
	}

	transitioned, err := s.assessments.MarkPassed(ctx, assessment.ID)
	if err != nil {
		return err
	}
	if transitioned {
		s.log.Info().Str("assessment_id", assessment.ID.String()).Msg("Pass criteria met")
	}
	return nil
}

// FailAssessment is the rule-violation failure handler: durably fail
// the assessment, liquidate open positions, clear the snapshot, record
// the violation, emit the event. Idempotent via the terminal guard.
func (s *Service) FailAssessment(ctx context.Context, assessment *database.Assessment, snap *domain.RulesSnapshot) error {
	transitioned, err := s.assessments.MarkFailed(ctx, assessment.ID)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	rule, result := violatedRule(snap)
	id := assessment.ID.String()
	now := time.Now()

	err = s.locks.With("assessment:"+id, func() error {
		state, err := s.states.Get(ctx, cache.ScopeAssessment, id)
		if err != nil || state == nil {
			return err
		}

		open := state.ActivePositions()
		positionIDs := make([]uuid.UUID, 0, len(open))
		for _, p := range open {
			if pid, perr := uuid.Parse(p.ID); perr == nil {
				positionIDs = append(positionIDs, pid)
			}
		}
		if err := s.repo.CloseOpenPositions(ctx, positionIDs, now); err != nil {
			return err
		}
		for _, p := range open {
			s.publish(ctx, id, &events.PositionClosedData{
				AssessmentID: id, PositionID: p.ID, Market: p.Market,
				EntryPrice: p.CurrentPrice, ExitPrice: p.CurrentPrice,
				RealizedPnl: 0,
			})
		}

		state.Positions = []domain.PositionState{}
		state.UnrealizedPnl = 0
		return s.states.Set(ctx, cache.ScopeAssessment, id, state)
	})
	if err != nil {
		s.log.Error().Err(err).Str("assessment_id", id).Msg("Liquidation failed")
	}

	violation := &database.Violation{
		ID:           uuid.New(),
		AssessmentID: assessment.ID,
		Rule:         rule,
		Value:        result.Value,
		Threshold:    result.Threshold,
	}
	if err := s.repo.CreateViolation(ctx, violation); err != nil {
		s.log.Error().Err(err).Str("assessment_id", id).Msg("Failed to record violation")
	}

	s.publish(ctx, id, &events.ViolationDetectedData{
		Scope:     string(cache.ScopeAssessment),
		AccountID: id,
		Rule:      rule,
		Value:     result.Value,
		Threshold: result.Threshold,
	})
	metrics.ViolationsDetected.WithLabelValues(rule).Inc()

	s.log.Warn().Str("assessment_id", id).Str("rule", rule).Float64("value", result.Value).Msg("Assessment failed on rule violation")
	return nil
}

func (s *Service) sweepFunded(ctx context.Context) {
	if s.funded == nil {
		return
	}
	ids, err := s.states.Keys(ctx, cache.ScopeFunded)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to scan funded snapshots")
		return
	}
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if err := s.CheckFunded(ctx, id); err != nil {
			s.log.Error().Err(err).Str("funded_account_id", raw).Msg("Funded rules check failed")
		}
	}
}

// CheckFunded evaluates one funded account with tier-fixed thresholds
// and no trade-count rule; on violation the account closes.
func (s *Service) CheckFunded(ctx context.Context, id uuid.UUID) error {
	account, err := s.funded.FindAccount(ctx, id)
	if err != nil {
		return err
	}
	if account == nil || account.Status != database.FundedActive {
		return nil
	}
	thresholds, err := s.funded.Thresholds(ctx, account)
	if err != nil {
		return err
	}
	thresholds.MinTrades = 0

	var snap *domain.RulesSnapshot
	err = s.locks.With("funded:"+id.String(), func() error {
		state, err := s.states.Get(ctx, cache.ScopeFunded, id.String())
		if err != nil || state == nil {
			return err
		}
		snap = domain.EvaluateRules(state, thresholds)
		return s.states.SetRules(ctx, cache.ScopeFunded, id.String(), snap)
	})
	if err != nil || snap == nil {
		return err
	}

	s.publish(ctx, id.String(), &events.DrawdownCheckedData{
		Scope:     string(cache.ScopeFunded),
		AccountID: id.String(),
		Rules:     *snap,
	})

	if !snap.Violated() {
		return nil
	}

	rule, result := violatedRule(snap)
	transitioned, err := s.funded.MarkClosed(ctx, id, rule+" violation")
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	s.publish(ctx, id.String(), &events.ViolationDetectedData{
		Scope:     string(cache.ScopeFunded),
		AccountID: id.String(),
		Rule:      rule,
		Value:     result.Value,
		Threshold: result.Threshold,
	})
	metrics.ViolationsDetected.WithLabelValues(rule).Inc()
	s.log.Warn().Str("funded_account_id", id.String()).Str("rule", rule).Msg("Funded account closed on rule violation")
	return nil
}

// Snapshot returns the stored rules snapshot for an owned assessment.
func (s *Service) Snapshot(ctx context.Context, userID, assessmentID uuid.UUID) (*domain.RulesSnapshot, error) {
	if _, err := s.assessments.Owned(ctx, userID, assessmentID); err != nil {
		return nil, err
	}
	snap, err := s.states.GetRules(ctx, cache.ScopeAssessment, assessmentID.String())
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New("no rules snapshot")
	}
	return snap, nil
}

func violatedRule(snap *domain.RulesSnapshot) (string, domain.RuleResult) {
	if snap.Drawdown.Status == domain.StatusViolation {
		return domain.RuleDrawdown, snap.Drawdown
	}
	return domain.RuleRiskPerTrade, snap.RiskPerTrade
}

func (s *Service) publish(ctx context.Context, key string, payload events.Payload) {
	if err := s.producer.Publish(ctx, key, payload, server.CorrelationID(ctx)); err != nil {
		s.log.Warn().Err(err).Str("topic", payload.Topic()).Msg("Failed to publish event")
	}
}
