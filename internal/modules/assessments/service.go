// Package assessments owns the evaluation lifecycle: creation from a
// completed purchase, the pending/active/paused state machine, terminal
// transitions, and the hot-state view clients read.
package assessments

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
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/server"
)

// SoftDeleteHorizon is how long an abandoned assessment is retained
// before the maintenance purge removes it.
const SoftDeleteHorizon = 90 * 24 * time.Hour

var (
	// ErrNotFound means no such assessment or purchase.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrBadTransition means the assessment is not in a state that
	// allows the requested transition.
	ErrBadTransition = errors.New("invalid state transition")
	// ErrPurchaseIncomplete rejects assessment creation before payment.
	ErrPurchaseIncomplete = errors.New("purchase not completed")
	// ErrAlreadyExists rejects a second assessment for one purchase.
	ErrAlreadyExists = errors.New("assessment already exists for purchase")
)

// PurchaseReader is the slice of the purchases module this service
// needs.
type PurchaseReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*database.Purchase, error)
}

// Service owns the assessment lifecycle.
type Service struct {
	repo      *Repository
	tierRepo  *tiers.Repository
	purchRepo PurchaseReader
	states    cache.Store
	locks     *locks.Keyed
	producer  events.Producer
	log       zerolog.Logger
}

// NewService creates the assessments service.
func NewService(repo *Repository, tierRepo *tiers.Repository, purchRepo PurchaseReader, states cache.Store, keyed *locks.Keyed, producer events.Producer, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tierRepo:  tierRepo,
		purchRepo: purchRepo,
		states:    states,
		locks:     keyed,
		producer:  producer,
		log:       log.With().Str("component", "assessments").Logger(),
	}
}

// Create opens an assessment for a completed purchase. The payment
// webhook normally does this atomically with purchase completion; the
// endpoint exists for purchases completed before an assessment existed.
func (s *Service) Create(ctx context.Context, userID, purchaseID uuid.UUID) (*database.Assessment, error) {
	purchase, err := s.purchRepo.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, ErrNotFound
	}
	if purchase.UserID != userID {
		return nil, ErrForbidden
	}
	if purchase.Status != database.PurchaseCompleted {
		return nil, ErrPurchaseIncomplete
	}

	existing, err := s.repo.FindByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}

	assessment := &database.Assessment{
		ID:         uuid.New(),
		UserID:     userID,
		TierID:     purchase.TierID,
		PurchaseID: purchase.ID,
		Status:     database.AssessmentPending,
	}
	if err := s.repo.Create(ctx, assessment); err != nil {
		return nil, err
	}

	s.emitLifecycle(ctx, events.TopicAssessmentCreated, assessment, "")
	return assessment, nil
}

// View is an assessment merged with its live hot state (nil once the
// snapshot is gone or never initialized).
type View struct {
	Assessment *database.Assessment
	State      *domain.AccountState
	Rules      *domain.RulesSnapshot
}

// List returns all of a user's assessments with live state attached.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]View, error) {
	rows, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(rows))
	for i := range rows {
		view := View{Assessment: &rows[i]}
		if state, err := s.states.Get(ctx, cache.ScopeAssessment, rows[i].ID.String()); err == nil {
			view.State = state
		}
		views = append(views, view)
	}
	return views, nil
}

// Get returns one assessment with live state, enforcing ownership.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*View, error) {
	assessment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if assessment == nil {
		return nil, ErrNotFound
	}
	if assessment.UserID != userID {
		return nil, ErrForbidden
	}

	view := &View{Assessment: assessment}
	if state, err := s.states.Get(ctx, cache.ScopeAssessment, id.String()); err == nil {
		view.State = state
	}
	if rules, err := s.states.GetRules(ctx, cache.ScopeAssessment, id.String()); err == nil {
		view.Rules = rules
	}
	return view, nil
}

// Owned loads an assessment and checks ownership without the hot state.
// Used by the trading module's command paths.
func (s *Service) Owned(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error) {
	assessment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if assessment == nil {
		return nil, ErrNotFound
	}
	if assessment.UserID != userID {
		return nil, ErrForbidden
	}
	return assessment, nil
}

// Find loads an assessment without an ownership check. Used by workers
// and consumers.
func (s *Service) Find(ctx context.Context, id uuid.UUID) (*database.Assessment, error) {
	return s.repo.FindByID(ctx, id)
}

// Tier returns an assessment's tier configuration.
func (s *Service) Tier(ctx context.Context, assessment *database.Assessment) (*database.Tier, error) {
	tier, err := s.tierRepo.Get(ctx, assessment.TierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, ErrNotFound
	}
	return tier, nil
}

// Start transitions pending → active: creates the VirtualAccount and
// initializes the hot snapshot with the tier's starting balance.
func (s *Service) Start(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error) {
	assessment, err := s.Owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	tier, err := s.Tier(ctx, assessment)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ok, err := s.repo.Transition(ctx, id,
		[]string{database.AssessmentPending}, database.AssessmentActive,
		map[string]any{"started_at": now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadTransition
	}

	va := &database.VirtualAccount{
		ID:              uuid.New(),
		AssessmentID:    id,
		StartingBalance: tier.StartingBalance,
		CurrentBalance:  tier.StartingBalance,
		PeakBalance:     tier.StartingBalance,
	}
	if err := s.repo.CreateVirtualAccount(ctx, va); err != nil {
		return nil, err
	}

	err = s.locks.With("assessment:"+id.String(), func() error {
		return s.states.Set(ctx, cache.ScopeAssessment, id.String(), domain.NewAccountState(tier.StartingBalance))
	})
	if err != nil {
		return nil, err
	}

	assessment.Status = database.AssessmentActive
	assessment.StartedAt = &now
	s.emitLifecycle(ctx, events.TopicAssessmentStarted, assessment, "")
	s.log.Info().Str("assessment_id", id.String()).Str("tier", tier.ID).Msg("Assessment started")
	return assessment, nil
}

// Pause transitions active → paused.
func (s *Service) Pause(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error) {
	return s.simpleTransition(ctx, userID, id,
		[]string{database.AssessmentActive}, database.AssessmentPaused,
		events.TopicAssessmentPaused)
}

// Resume transitions paused → active.
func (s *Service) Resume(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error) {
	return s.simpleTransition(ctx, userID, id,
		[]string{database.AssessmentPaused}, database.AssessmentActive,
		events.TopicAssessmentResumed)
}

func (s *Service) simpleTransition(ctx context.Context, userID, id uuid.UUID, from []string, to, topic string) (*database.Assessment, error) {
	assessment, err := s.Owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.Transition(ctx, id, from, to, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadTransition
	}

	assessment.Status = to
	s.emitLifecycle(ctx, topic, assessment, "")
	return assessment, nil
}

// Abandon is a user-requested terminal transition from active or
// paused. The durable store is updated first, then the hot snapshot is
// deleted; the soft-delete purge runs 90 days later.
func (s *Service) Abandon(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error) {
	assessment, err := s.Owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	deleteAfter := now.Add(SoftDeleteHorizon)
	ok, err := s.repo.Transition(ctx, id,
		[]string{database.AssessmentActive, database.AssessmentPaused}, database.AssessmentAbandoned,
		map[string]any{"completed_at": now, "delete_after": deleteAfter})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadTransition
	}

	err = s.locks.With("assessment:"+id.String(), func() error {
		return s.states.Delete(ctx, cache.ScopeAssessment, id.String())
	})
	if err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Failed to drop hot state on abandon")
	}

	assessment.Status = database.AssessmentAbandoned
	assessment.CompletedAt = &now
	assessment.DeleteAfter = &deleteAfter
	s.emitLifecycle(ctx, events.TopicAssessmentAbandoned, assessment, "")
	s.emitLifecycle(ctx, events.TopicAssessmentCompleted, assessment, database.AssessmentAbandoned)
	s.log.Info().Str("assessment_id", id.String()).Msg("Assessment abandoned")
	return assessment, nil
}

// MarkFailed durably flips active → failed. Returns false when the
// assessment was already terminal (the idempotence guard for the
// failure handler). Does not touch the hot snapshot; the caller owns
// position liquidation.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	ok, err := s.repo.Transition(ctx, id,
		[]string{database.AssessmentActive}, database.AssessmentFailed,
		map[string]any{"completed_at": now})
	if err != nil || !ok {
		return ok, err
	}

	if assessment, ferr := s.repo.FindByID(ctx, id); ferr == nil && assessment != nil {
		s.emitLifecycle(ctx, events.TopicAssessmentCompleted, assessment, database.AssessmentFailed)
	}
	return true, nil
}

// MarkPassed durably flips active → passed and drops the hot snapshot.
// The funded activation consumer reacts to the completed event.
func (s *Service) MarkPassed(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	ok, err := s.repo.Transition(ctx, id,
		[]string{database.AssessmentActive}, database.AssessmentPassed,
		map[string]any{"completed_at": now})
	if err != nil || !ok {
		return ok, err
	}

	err = s.locks.With("assessment:"+id.String(), func() error {
		return s.states.Delete(ctx, cache.ScopeAssessment, id.String())
	})
	if err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Failed to drop hot state on pass")
	}

	if assessment, ferr := s.repo.FindByID(ctx, id); ferr == nil && assessment != nil {
		s.emitLifecycle(ctx, events.TopicAssessmentCompleted, assessment, database.AssessmentPassed)
	}
	s.log.Info().Str("assessment_id", id.String()).Msg("Assessment passed")
	return true, nil
}

// VirtualAccount returns the durable balance envelope for an assessment.
func (s *Service) VirtualAccount(ctx context.Context, assessmentID uuid.UUID) (*database.VirtualAccount, error) {
	return s.repo.FindVirtualAccount(ctx, assessmentID)
}

func (s *Service) emitLifecycle(ctx context.Context, topic string, assessment *database.Assessment, status string) {
	err := s.producer.Publish(ctx, assessment.ID.String(),
		events.NewAssessmentLifecycle(topic, assessment.ID.String(), assessment.UserID.String(), assessment.TierID, status),
		server.CorrelationID(ctx))
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("Failed to emit lifecycle event")
	}
}
