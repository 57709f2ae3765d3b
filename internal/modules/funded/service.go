// Package funded implements post-pass trading accounts: idempotent
// activation from assessment.completed events, the withdrawal saga with
// its external payout, the admin review queue, and payout webhook
// resolution.
package funded

import (
	"context"
	"errors"
	"fmt"
	"math"
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
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/payments"
	"github.com/propdesk/propdesk/internal/saga"
	"github.com/propdesk/propdesk/internal/server"
)

// Withdrawal limits, in the platform's quote unit.
const (
	MinWithdrawal    = 100.0
	AutoApproveBelow = 1000.0
)

var (
	// ErrNotFound means no such funded account or withdrawal.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller does not own the account.
	ErrForbidden = errors.New("forbidden")
	// ErrNotActive rejects withdrawals on closed accounts.
	ErrNotActive = errors.New("funded account not active")
	// ErrInvalidAmount rejects amounts below the minimum or above the
	// withdrawable balance.
	ErrInvalidAmount = errors.New("invalid withdrawal amount")
	// ErrOpenPositions rejects withdrawals while exposure is open.
	ErrOpenPositions = errors.New("open positions block withdrawal")
	// ErrNotPending rejects admin review of already-resolved withdrawals.
	ErrNotPending = errors.New("withdrawal not pending")
)

// PayoutCreator is the slice of the payment client the saga needs.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, amountCents int64, currency, withdrawalID string) (*payments.Payout, error)
}

// Service owns the funded account lifecycle and withdrawals.
type Service struct {
	repo        *Repository
	assessments *assessments.Service
	tierRepo    *tiers.Repository
	states      cache.Store
	locks       *locks.Keyed
	provider    PayoutCreator
	producer    events.Producer
	log         zerolog.Logger
}

// NewService creates the funded service.
func NewService(repo *Repository, assessmentSvc *assessments.Service, tierRepo *tiers.Repository, states cache.Store, keyed *locks.Keyed, provider PayoutCreator, producer events.Producer, log zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		assessments: assessmentSvc,
		tierRepo:    tierRepo,
		states:      states,
		locks:       keyed,
		provider:    provider,
		producer:    producer,
		log:         log.With().Str("component", "funded").Logger(),
	}
}

// HandleAssessmentCompleted is the consumer handler for
// assessment.completed; only passed assessments activate.
func (s *Service) HandleAssessmentCompleted(ctx context.Context, msg events.Message) error {
	data, ok := msg.Data.(*events.AssessmentLifecycleData)
	if !ok || data.Status != database.AssessmentPassed {
		return nil
	}
	assessmentID, err := uuid.Parse(data.AssessmentID)
	if err != nil {
		s.log.Warn().Str("assessment_id", data.AssessmentID).Msg("Dropping completed event with bad id")
		return nil
	}
	ctx = server.WithCorrelationID(ctx, msg.CorrelationID)
	_, err = s.Activate(ctx, assessmentID)
	return err
}

// Activate creates the funded account for a passed assessment.
// Idempotent on the assessment id: redelivery returns the existing
// account.
func (s *Service) Activate(ctx context.Context, assessmentID uuid.UUID) (*database.FundedAccount, error) {
	assessment, err := s.assessments.Find(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if assessment == nil {
		return nil, fmt.Errorf("%w: assessment %s", ErrNotFound, assessmentID)
	}
	if assessment.Status != database.AssessmentPassed || assessment.CompletedAt == nil {
		return nil, fmt.Errorf("assessment %s has not passed", assessmentID)
	}

	if existing, err := s.repo.FindByAssessment(ctx, assessmentID); err != nil || existing != nil {
		return existing, err
	}

	tier, err := s.assessments.Tier(ctx, assessment)
	if err != nil {
		return nil, err
	}

	account := &database.FundedAccount{
		ID:           uuid.New(),
		UserID:       assessment.UserID,
		TierID:       tier.ID,
		AssessmentID: assessmentID,
		Status:       database.FundedActive,
	}
	envelope := &database.FundedVirtualAccount{
		ID:              uuid.New(),
		FundedAccountID: account.ID,
		StartingBalance: tier.StartingBalance,
		CurrentBalance:  tier.StartingBalance,
		PeakBalance:     tier.StartingBalance,
	}

	steps := []saga.Step{
		{
			Name: "create-rows",
			Run: func(ctx context.Context) error {
				return s.repo.CreateAccount(ctx, account, envelope)
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteAccount(ctx, account.ID)
			},
		},
		{
			Name: "init-hot-state",
			Run: func(ctx context.Context) error {
				id := account.ID.String()
				state := domain.NewAccountState(tier.StartingBalance)
				if err := s.states.Set(ctx, cache.ScopeFunded, id, state); err != nil {
					return err
				}
				snap := domain.EvaluateRules(state, domain.Thresholds{
					MaxDrawdown:     tier.FundedMaxDrawdown,
					MaxRiskPerTrade: tier.FundedMaxRiskPerTrade,
				})
				return s.states.SetRules(ctx, cache.ScopeFunded, id, snap)
			},
		},
	}
	if err := saga.New("funded-activation", s.log).Execute(ctx, steps); err != nil {
		return nil, err
	}

	correlationID := server.CorrelationID(ctx)
	s.publish(ctx, account.ID.String(), events.NewFundedAccountEvent(
		events.TopicFundedCreated, account.ID.String(), assessmentID.String(), assessment.UserID.String()), correlationID)
	s.publish(ctx, account.ID.String(), events.NewFundedAccountEvent(
		events.TopicFundedActivated, account.ID.String(), assessmentID.String(), assessment.UserID.String()), correlationID)

	s.log.Info().
		Str("funded_account_id", account.ID.String()).
		Str("assessment_id", assessmentID.String()).
		Msg("Funded account activated")
	return account, nil
}

// FindAccount returns one funded account, or nil. Part of the rules
// sweep contract.
func (s *Service) FindAccount(ctx context.Context, id uuid.UUID) (*database.FundedAccount, error) {
	return s.repo.FindByID(ctx, id)
}

// Thresholds returns the tier-fixed funded limits. Part of the rules
// sweep contract.
func (s *Service) Thresholds(ctx context.Context, account *database.FundedAccount) (domain.Thresholds, error) {
	tier, err := s.tierRepo.Get(ctx, account.TierID)
	if err != nil {
		return domain.Thresholds{}, err
	}
	if tier == nil {
		return domain.Thresholds{}, fmt.Errorf("%w: tier %s", ErrNotFound, account.TierID)
	}
	return domain.Thresholds{
		MaxDrawdown:     tier.FundedMaxDrawdown,
		MaxRiskPerTrade: tier.FundedMaxRiskPerTrade,
	}, nil
}

// MarkClosed durably closes the account, then drops the hot snapshot.
func (s *Service) MarkClosed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	transitioned, err := s.repo.Close(ctx, id, reason, time.Now())
	if err != nil || !transitioned {
		return transitioned, err
	}
	err = s.locks.With("funded:"+id.String(), func() error {
		return s.states.Delete(ctx, cache.ScopeFunded, id.String())
	})
	if err != nil {
		s.log.Warn().Err(err).Str("funded_account_id", id.String()).Msg("Failed to drop funded hot state")
	}
	return true, nil
}

// View is a funded account with its envelope and withdrawable amount.
type View struct {
	Account      *database.FundedAccount
	Envelope     *database.FundedVirtualAccount
	Withdrawable float64
}

// List returns the caller's funded accounts with withdrawable amounts.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]View, error) {
	accounts, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(accounts))
	for i := range accounts {
		view, err := s.buildView(ctx, &accounts[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// Get returns one owned funded account view.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*View, error) {
	account, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrNotFound
	}
	if account.UserID != userID {
		return nil, ErrForbidden
	}
	return s.buildView(ctx, account)
}

func (s *Service) buildView(ctx context.Context, account *database.FundedAccount) (*View, error) {
	envelope, err := s.repo.FindEnvelope(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if envelope == nil {
		return nil, fmt.Errorf("funded account %s has no envelope", account.ID)
	}
	tier, err := s.tierRepo.Get(ctx, account.TierID)
	if err != nil {
		return nil, err
	}
	return &View{
		Account:      account,
		Envelope:     envelope,
		Withdrawable: Withdrawable(envelope, tier.ProfitSplit),
	}, nil
}

// Withdrawable computes the user's share of unpaid simulated profit,
// floored at zero.
func Withdrawable(envelope *database.FundedVirtualAccount, profitSplit float64) float64 {
	amount := profitSplit * (envelope.CurrentBalance - envelope.StartingBalance - envelope.TotalWithdrawals)
	return math.Max(0, amount)
}

// WithdrawResult reports a withdrawal request.
type WithdrawResult struct {
	WithdrawalID   string `json:"withdrawalId"`
	Status         string `json:"status"`
	RequiresReview bool   `json:"requiresReview"`
}

// RequestWithdrawal validates and opens a withdrawal. Amounts under the
// auto-approval threshold are approved and paid immediately; larger
// ones wait in the admin queue.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, accountID uuid.UUID, amount float64) (*WithdrawResult, error) {
	account, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrNotFound
	}
	if account.UserID != userID {
		return nil, ErrForbidden
	}
	if account.Status != database.FundedActive {
		return nil, ErrNotActive
	}

	state, err := s.states.Get(ctx, cache.ScopeFunded, accountID.String())
	if err != nil {
		return nil, err
	}
	if state != nil && len(state.ActivePositions()) > 0 {
		return nil, ErrOpenPositions
	}

	view, err := s.buildView(ctx, account)
	if err != nil {
		return nil, err
	}
	if amount < MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum is %.0f", ErrInvalidAmount, MinWithdrawal)
	}
	if amount > view.Withdrawable {
		return nil, fmt.Errorf("%w: exceeds withdrawable %.2f", ErrInvalidAmount, view.Withdrawable)
	}

	withdrawal := &database.Withdrawal{
		ID:              uuid.New(),
		FundedAccountID: accountID,
		UserID:          userID,
		Amount:          amount,
		Status:          database.WithdrawalPending,
		RequestedAt:     time.Now(),
	}
	if err := s.repo.CreateWithdrawal(ctx, withdrawal); err != nil {
		return nil, err
	}
	s.emitWithdrawal(ctx, events.TopicWithdrawalRequested, withdrawal, "")

	if amount >= AutoApproveBelow {
		s.log.Info().Str("withdrawal_id", withdrawal.ID.String()).Float64("amount", amount).Msg("Withdrawal gated for manual review")
		return &WithdrawResult{
			WithdrawalID:   withdrawal.ID.String(),
			Status:         database.WithdrawalPending,
			RequiresReview: true,
		}, nil
	}

	if err := s.approveAndPay(ctx, withdrawal); err != nil {
		return nil, err
	}
	return &WithdrawResult{
		WithdrawalID: withdrawal.ID.String(),
		Status:       database.WithdrawalCompleted,
	}, nil
}

// approveAndPay runs the approved path of the withdrawal saga. The saga
// ends at the payout boundary: a failed payout compensates by deleting
// the withdrawal row so the user can request again, but once the
// provider accepts the payout nothing unwinds. Failures past that point
// leave the row approved with the payout reference recorded, and the
// payout.paid webhook settles it through ResolvePayoutPaid.
func (s *Service) approveAndPay(ctx context.Context, withdrawal *database.Withdrawal) error {
	var payout *payments.Payout
	steps := []saga.Step{
		{
			Name: "approve",
			Run: func(ctx context.Context) error {
				ok, err := s.repo.UpdateWithdrawal(ctx, withdrawal.ID,
					[]string{database.WithdrawalPending},
					map[string]any{"status": database.WithdrawalApproved, "approved_at": time.Now()})
				if err != nil {
					return err
				}
				if !ok {
					return ErrNotPending
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteWithdrawal(ctx, withdrawal.ID)
			},
		},
		{
			Name: "create-payout",
			Run: func(ctx context.Context) error {
				var err error
				payout, err = s.provider.CreatePayout(ctx, toCents(withdrawal.Amount), "usd", withdrawal.ID.String())
				return err
			},
		},
	}
	if err := saga.New("withdrawal-payout", s.log).Execute(ctx, steps); err != nil {
		metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
		return fmt.Errorf("payout failed: %w", err)
	}
	s.emitWithdrawal(ctx, events.TopicWithdrawalApproved, withdrawal, "")

	// Money moved. Record the reference first so the payout webhooks can
	// find the row if completion stalls below.
	if _, err := s.repo.UpdateWithdrawal(ctx, withdrawal.ID,
		[]string{database.WithdrawalApproved},
		map[string]any{"payout_ref": payout.Reference}); err != nil {
		s.log.Error().Err(err).
			Str("withdrawal_id", withdrawal.ID.String()).
			Str("payout_ref", payout.Reference).
			Msg("Payout sent but recording the reference failed, manual reconciliation needed")
		return fmt.Errorf("recording payout reference: %w", err)
	}

	if _, err := s.repo.UpdateWithdrawal(ctx, withdrawal.ID,
		[]string{database.WithdrawalApproved},
		map[string]any{"status": database.WithdrawalCompleted, "completed_at": time.Now()}); err != nil {
		s.log.Error().Err(err).
			Str("withdrawal_id", withdrawal.ID.String()).
			Str("payout_ref", payout.Reference).
			Msg("Payout sent but completion failed, row left approved for webhook settlement")
		return fmt.Errorf("completing withdrawal: %w", err)
	}

	if err := s.repo.AddToTotalWithdrawals(ctx, withdrawal.FundedAccountID, withdrawal.Amount); err != nil {
		s.log.Error().Err(err).
			Str("withdrawal_id", withdrawal.ID.String()).
			Msg("Withdrawal completed but total_withdrawals bump failed")
		return fmt.Errorf("recording withdrawal total: %w", err)
	}
	if err := s.mirrorTotalWithdrawals(ctx, withdrawal.FundedAccountID, withdrawal.Amount); err != nil {
		s.log.Warn().Err(err).Str("withdrawal_id", withdrawal.ID.String()).Msg("Failed to mirror withdrawal total")
	}

	s.emitWithdrawal(ctx, events.TopicWithdrawalCompleted, withdrawal, "")
	metrics.WithdrawalsProcessed.WithLabelValues(database.WithdrawalCompleted).Inc()
	s.log.Info().
		Str("withdrawal_id", withdrawal.ID.String()).
		Str("payout_ref", payout.Reference).
		Float64("amount", withdrawal.Amount).
		Msg("Withdrawal completed")
	return nil
}

// mirrorTotalWithdrawals keeps the hot snapshot's counter in step with
// the envelope column.
func (s *Service) mirrorTotalWithdrawals(ctx context.Context, accountID uuid.UUID, delta float64) error {
	return s.locks.With("funded:"+accountID.String(), func() error {
		state, err := s.states.Get(ctx, cache.ScopeFunded, accountID.String())
		if err != nil || state == nil {
			return err
		}
		state.TotalWithdrawals += delta
		return s.states.Set(ctx, cache.ScopeFunded, accountID.String(), state)
	})
}

// ListPending returns the admin review queue.
func (s *Service) ListPending(ctx context.Context) ([]database.Withdrawal, error) {
	return s.repo.ListPendingWithdrawals(ctx)
}

// Approve resolves a pending withdrawal through the payout path.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*database.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if withdrawal == nil {
		return nil, ErrNotFound
	}
	if withdrawal.Status != database.WithdrawalPending {
		return nil, ErrNotPending
	}

	if err := s.approveAndPay(ctx, withdrawal); err != nil {
		return nil, err
	}
	return s.repo.FindWithdrawal(ctx, id)
}

// Reject resolves a pending withdrawal without a payout.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*database.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if withdrawal == nil {
		return nil, ErrNotFound
	}

	ok, err := s.repo.UpdateWithdrawal(ctx, id,
		[]string{database.WithdrawalPending},
		map[string]any{
			"status":           database.WithdrawalRejected,
			"rejection_reason": reason,
			"rejected_at":      time.Now(),
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPending
	}

	s.emitWithdrawal(ctx, events.TopicWithdrawalRejected, withdrawal, reason)
	metrics.WithdrawalsProcessed.WithLabelValues(database.WithdrawalRejected).Inc()
	return s.repo.FindWithdrawal(ctx, id)
}

// ResolvePayoutPaid confirms a payout the provider settled. Completed
// rows are already in their terminal shape, so redelivery is a no-op.
// A row still approved here stalled between payout and completion; the
// webhook finishes the completion and the totals bump.
func (s *Service) ResolvePayoutPaid(ctx context.Context, payoutRef string) error {
	withdrawal, err := s.repo.FindWithdrawalByPayoutRef(ctx, payoutRef)
	if err != nil {
		return err
	}
	if withdrawal == nil {
		s.log.Warn().Str("payout_ref", payoutRef).Msg("Payout paid for unknown withdrawal")
		return nil
	}
	if withdrawal.Status == database.WithdrawalCompleted {
		return nil
	}

	ok, err := s.repo.UpdateWithdrawal(ctx, withdrawal.ID,
		[]string{database.WithdrawalApproved},
		map[string]any{"status": database.WithdrawalCompleted, "completed_at": time.Now()})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.repo.AddToTotalWithdrawals(ctx, withdrawal.FundedAccountID, withdrawal.Amount); err != nil {
		return err
	}
	if err := s.mirrorTotalWithdrawals(ctx, withdrawal.FundedAccountID, withdrawal.Amount); err != nil {
		s.log.Warn().Err(err).Str("withdrawal_id", withdrawal.ID.String()).Msg("Failed to mirror withdrawal total")
	}

	s.emitWithdrawal(ctx, events.TopicWithdrawalCompleted, withdrawal, "")
	metrics.WithdrawalsProcessed.WithLabelValues(database.WithdrawalCompleted).Inc()
	s.log.Info().
		Str("withdrawal_id", withdrawal.ID.String()).
		Str("payout_ref", payoutRef).
		Msg("Withdrawal settled by payout webhook")
	return nil
}

// ResolvePayoutFailed reverts a withdrawal whose payout the provider
// later bounced: status → rejected, total_withdrawals shifted back,
// withdrawal.failed emitted.
func (s *Service) ResolvePayoutFailed(ctx context.Context, payoutRef string) error {
	withdrawal, err := s.repo.FindWithdrawalByPayoutRef(ctx, payoutRef)
	if err != nil {
		return err
	}
	if withdrawal == nil {
		s.log.Warn().Str("payout_ref", payoutRef).Msg("Payout failure for unknown withdrawal")
		return nil
	}

	ok, err := s.repo.UpdateWithdrawal(ctx, withdrawal.ID,
		[]string{database.WithdrawalApproved, database.WithdrawalCompleted},
		map[string]any{
			"status":           database.WithdrawalRejected,
			"rejection_reason": "payout failed",
			"rejected_at":      time.Now(),
		})
	if err != nil {
		return err
	}
	if !ok {
		// Already reverted on a previous delivery.
		return nil
	}

	if err := s.repo.AddToTotalWithdrawals(ctx, withdrawal.FundedAccountID, -withdrawal.Amount); err != nil {
		return err
	}
	if err := s.mirrorTotalWithdrawals(ctx, withdrawal.FundedAccountID, -withdrawal.Amount); err != nil {
		s.log.Warn().Err(err).Str("withdrawal_id", withdrawal.ID.String()).Msg("Failed to mirror withdrawal revert")
	}

	s.emitWithdrawal(ctx, events.TopicWithdrawalFailed, withdrawal, "payout failed")
	metrics.WithdrawalsProcessed.WithLabelValues("reverted").Inc()
	s.log.Warn().
		Str("withdrawal_id", withdrawal.ID.String()).
		Float64("amount", withdrawal.Amount).
		Msg("Payout failed, withdrawal reverted")
	return nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (s *Service) emitWithdrawal(ctx context.Context, topic string, withdrawal *database.Withdrawal, reason string) {
	s.publish(ctx, withdrawal.FundedAccountID.String(), events.NewWithdrawalEvent(topic, events.WithdrawalData{
		WithdrawalID:    withdrawal.ID.String(),
		FundedAccountID: withdrawal.FundedAccountID.String(),
		UserID:          withdrawal.UserID.String(),
		Amount:          withdrawal.Amount,
		Reason:          reason,
	}), server.CorrelationID(ctx))
}

func (s *Service) publish(ctx context.Context, key string, payload events.Payload, correlationID string) {
	if err := s.producer.Publish(ctx, key, payload, correlationID); err != nil {
		s.log.Warn().Err(err).Str("topic", payload.Topic()).Msg("Failed to publish event")
	}
}
