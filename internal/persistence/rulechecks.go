package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
)

// RuleChecksInterval is the rules history cadence.
const RuleChecksInterval = 12 * time.Second

// RuleChecksWorker snapshots the cache-resident rules view into
// RuleCheck history rows.
type RuleChecksWorker struct {
	db     *gorm.DB
	states cache.Store
	log    zerolog.Logger
}

// NewRuleChecksWorker creates the rule-checks worker.
func NewRuleChecksWorker(db *gorm.DB, states cache.Store, log zerolog.Logger) *RuleChecksWorker {
	return &RuleChecksWorker{
		db:     db,
		states: states,
		log:    log.With().Str("component", "rule-checks").Logger(),
	}
}

// Run executes cycles on the given cadence until ctx is cancelled.
func (w *RuleChecksWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.log.Info().Dur("interval", interval).Msg("Rule-checks worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Rule-checks worker stopped")
			return
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				w.log.Error().Err(err).Msg("Rule-checks cycle failed")
			}
		}
	}
}

// Cycle bulk-inserts one row per rule per live account. The composite
// unique index plus ON CONFLICT DO NOTHING gives skip-duplicates
// semantics when two instances overlap.
func (w *RuleChecksWorker) Cycle(ctx context.Context) error {
	checkedAt := time.Now().Truncate(time.Second)
	var rows []database.RuleCheck

	for _, scope := range []cache.Scope{cache.ScopeAssessment, cache.ScopeFunded} {
		ids, err := w.states.RulesKeys(ctx, scope)
		if err != nil {
			return err
		}
		for _, id := range ids {
			accountID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			snap, err := w.states.GetRules(ctx, scope, id)
			if err != nil {
				return err
			}
			if snap == nil {
				continue
			}
			rows = append(rows, ruleCheckRows(scope, accountID, snap, checkedAt)...)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	err := w.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 100).Error
	if err != nil {
		return err
	}
	w.log.Debug().Int("rows", len(rows)).Msg("Rule checks persisted")
	return nil
}

func ruleCheckRows(scope cache.Scope, accountID uuid.UUID, snap *domain.RulesSnapshot, checkedAt time.Time) []database.RuleCheck {
	results := []struct {
		rule   string
		result domain.RuleResult
	}{
		{domain.RuleDrawdown, snap.Drawdown},
		{domain.RuleTradeCount, snap.TradeCount},
		{domain.RuleRiskPerTrade, snap.RiskPerTrade},
	}

	rows := make([]database.RuleCheck, 0, len(results))
	for _, r := range results {
		if r.rule == domain.RuleTradeCount && r.result.Threshold == 0 {
			// Trade-count rule disabled for this scope.
			continue
		}
		rows = append(rows, database.RuleCheck{
			ID:        uuid.New(),
			Scope:     string(scope),
			AccountID: accountID,
			Rule:      r.rule,
			Value:     r.result.Value,
			Threshold: r.result.Threshold,
			Status:    string(r.result.Status),
			CheckedAt: checkedAt,
		})
	}
	return rows
}
