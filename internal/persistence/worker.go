// Package persistence reconciles hot snapshots into the durable store:
// a 5-second worker for balance envelopes and positions, and a
// 12-second worker for rule-check history rows.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/metrics"
	"github.com/propdesk/propdesk/internal/reliability"
)

// DefaultInterval is the snapshot reconciliation cadence.
const DefaultInterval = 5 * time.Second

// DeadLetterer receives durable operations that exhausted their retries.
type DeadLetterer interface {
	Push(ctx context.Context, entry reliability.DeadLetter) error
}

// Worker converges durable rows toward the hot snapshots.
type Worker struct {
	db       *gorm.DB
	states   cache.Store
	locks    *locks.Keyed
	producer events.Producer
	dlq      DeadLetterer
	health   *reliability.HealthTracker
	policy   reliability.RetryPolicy
	log      zerolog.Logger
}

// NewWorker creates the persistence worker.
func NewWorker(db *gorm.DB, states cache.Store, keyed *locks.Keyed, producer events.Producer, dlq DeadLetterer, health *reliability.HealthTracker, log zerolog.Logger) *Worker {
	return &Worker{
		db:       db,
		states:   states,
		locks:    keyed,
		producer: producer,
		dlq:      dlq,
		health:   health,
		policy:   reliability.DefaultPolicy,
		log:      log.With().Str("component", "persistence").Logger(),
	}
}

// Run executes cycles on the given cadence until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.log.Info().Dur("interval", interval).Msg("Persistence worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Persistence worker stopped")
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle reconciles every live snapshot once. A cycle is successful iff
// every per-account unit succeeded.
func (w *Worker) Cycle(ctx context.Context) {
	healthy := true

	ids, err := w.states.Keys(ctx, cache.ScopeAssessment)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to scan assessment snapshots")
		healthy = false
	}
	for _, id := range ids {
		if err := w.reconcileAssessment(ctx, id); err != nil {
			w.log.Error().Err(err).Str("assessment_id", id).Msg("Reconciliation failed")
			healthy = false
		}
	}

	fundedIDs, err := w.states.Keys(ctx, cache.ScopeFunded)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to scan funded snapshots")
		healthy = false
	}
	for _, id := range fundedIDs {
		if err := w.reconcileFunded(ctx, id); err != nil {
			w.log.Error().Err(err).Str("funded_account_id", id).Msg("Reconciliation failed")
			healthy = false
		}
	}

	if healthy {
		w.health.RecordSuccess()
		metrics.PersistenceCycles.WithLabelValues("success").Inc()
	} else {
		w.health.RecordFailure()
		metrics.PersistenceCycles.WithLabelValues("failure").Inc()
	}
}

func (w *Worker) reconcileAssessment(ctx context.Context, id string) error {
	assessmentID, err := uuid.Parse(id)
	if err != nil {
		w.log.Warn().Str("key_id", id).Msg("Skipping snapshot with malformed id")
		return nil
	}
	snapshot, err := w.states.Get(ctx, cache.ScopeAssessment, id)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	var account database.VirtualAccount
	if err := w.db.WithContext(ctx).First(&account, "assessment_id = ?", assessmentID).Error; err != nil {
		// No envelope yet (or already purged): nothing to converge.
		w.log.Debug().Str("assessment_id", id).Msg("No virtual account for snapshot, skipping")
		return nil
	}

	if err := w.persistEnvelope(ctx, &account, snapshot); err != nil {
		return err
	}
	return w.reconcilePositions(ctx, assessmentID, snapshot)
}

// persistEnvelope writes the snapshot numerics onto the VirtualAccount.
// Optimistic check on updated_at: a mismatch is warned and overwritten,
// the worker being the single writer for these columns.
func (w *Worker) persistEnvelope(ctx context.Context, account *database.VirtualAccount, snapshot *domain.AccountState) error {
	updates := map[string]any{
		"current_balance": snapshot.CurrentBalance,
		"peak_balance":    snapshot.PeakBalance,
		"realized_pnl":    snapshot.RealizedPnl,
		"unrealized_pnl":  snapshot.UnrealizedPnl,
	}

	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		res := w.db.WithContext(ctx).Model(&database.VirtualAccount{}).
			Where("id = ? AND updated_at = ?", account.ID, account.UpdatedAt).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			w.log.Warn().
				Str("virtual_account_id", account.ID.String()).
				Msg("Envelope changed since read, overwriting")
			return w.db.WithContext(ctx).Model(&database.VirtualAccount{}).
				Where("id = ?", account.ID).
				Updates(updates).Error
		}
		return nil
	})
	if result.Err != nil {
		w.deadLetter(ctx, account.AssessmentID.String(), "", result)
		return result.Err
	}
	return nil
}

func (w *Worker) reconcilePositions(ctx context.Context, assessmentID uuid.UUID, snapshot *domain.AccountState) error {
	var rows []database.Position
	if err := w.db.WithContext(ctx).Where("assessment_id = ?", assessmentID).Find(&rows).Error; err != nil {
		return err
	}
	durable := make(map[string]*database.Position, len(rows))
	for i := range rows {
		durable[rows[i].ID.String()] = &rows[i]
	}

	var firstErr error
	inSnapshot := make(map[string]bool, len(snapshot.Positions))
	for i := range snapshot.Positions {
		p := &snapshot.Positions[i]
		inSnapshot[p.ID] = true

		var err error
		row, known := durable[p.ID]
		switch {
		case !known:
			err = w.createPosition(ctx, assessmentID, p)
		case p.Status == domain.PositionCancelled && row.Status != database.PositionRowCancelled:
			err = w.cancelPosition(ctx, assessmentID, row.ID)
		case p.Status == domain.PositionActive && row.ClosedAt == nil:
			err = w.refreshPosition(ctx, row.ID, p)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, row := range rows {
		if row.Status != database.PositionOpen || row.ClosedAt != nil || inSnapshot[row.ID.String()] {
			continue
		}
		if err := w.closeOrphanedPosition(ctx, assessmentID, row); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// createPosition inserts a durable row for a snapshot position the store
// has never seen. Cancelled creations also flag the position's trades in
// the same transaction.
func (w *Worker) createPosition(ctx context.Context, assessmentID uuid.UUID, p *domain.PositionState) error {
	positionID, err := uuid.Parse(p.ID)
	if err != nil {
		w.log.Warn().Str("position_id", p.ID).Msg("Skipping position with malformed id")
		return nil
	}

	status := database.PositionOpen
	if p.Status == domain.PositionCancelled {
		status = database.PositionRowCancelled
	}
	row := &database.Position{
		ID:            positionID,
		AssessmentID:  assessmentID,
		Market:        p.Market,
		Side:          p.Side,
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnl: p.UnrealizedPnl,
		Status:        status,
		OpenedAt:      p.OpenedAt,
	}

	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			if status != database.PositionRowCancelled {
				return nil
			}
			return tx.Model(&database.Trade{}).
				Where("position_id = ? AND cancelled = ?", positionID, false).
				Update("cancelled", true).Error
		})
	})
	if result.Err != nil {
		w.deadLetter(ctx, assessmentID.String(), p.ID, result)
		return result.Err
	}
	return nil
}

// cancelPosition runs the cancelled-position procedure: status and
// closed_at on the row, cancelled=true on its trades, one transaction.
// The status pre-read guards against repeating work another cycle (or
// instance) already did.
func (w *Worker) cancelPosition(ctx context.Context, assessmentID, positionID uuid.UUID) error {
	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		var current database.Position
		if err := w.db.WithContext(ctx).Select("status").First(&current, "id = ?", positionID).Error; err != nil {
			return err
		}
		if current.Status == database.PositionRowCancelled {
			return nil
		}

		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Model(&database.Position{}).
				Where("id = ?", positionID).
				Updates(map[string]any{
					"status":    database.PositionRowCancelled,
					"closed_at": time.Now(),
				}).Error
			if err != nil {
				return err
			}
			return tx.Model(&database.Trade{}).
				Where("position_id = ? AND cancelled = ?", positionID, false).
				Update("cancelled", true).Error
		})
	})
	if result.Err != nil {
		w.deadLetter(ctx, assessmentID.String(), positionID.String(), result)
		return result.Err
	}
	return nil
}

func (w *Worker) refreshPosition(ctx context.Context, positionID uuid.UUID, p *domain.PositionState) error {
	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.db.WithContext(ctx).Model(&database.Position{}).
			Where("id = ? AND closed_at IS NULL", positionID).
			Updates(map[string]any{
				"current_price":  p.CurrentPrice,
				"unrealized_pnl": p.UnrealizedPnl,
			}).Error
	})
	if result.Err != nil {
		w.deadLetter(ctx, "", positionID.String(), result)
		return result.Err
	}
	return nil
}

// closeOrphanedPosition treats a durable open row absent from the
// snapshot as a closure that never reached the durable store.
func (w *Worker) closeOrphanedPosition(ctx context.Context, assessmentID uuid.UUID, row database.Position) error {
	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.db.WithContext(ctx).Model(&database.Position{}).
			Where("id = ? AND closed_at IS NULL", row.ID).
			Update("closed_at", time.Now()).Error
	})
	if result.Err != nil {
		w.deadLetter(ctx, assessmentID.String(), row.ID.String(), result)
		return result.Err
	}

	id := assessmentID.String()
	err := w.locks.With("assessment:"+id, func() error {
		snapshot, err := w.states.Get(ctx, cache.ScopeAssessment, id)
		if err != nil || snapshot == nil {
			return err
		}
		snapshot.TradeCount++
		return w.states.Set(ctx, cache.ScopeAssessment, id, snapshot)
	})
	if err != nil {
		w.log.Warn().Err(err).Str("assessment_id", id).Msg("Failed to bump trade count for recovered closure")
	}

	payload := &events.PositionClosedData{
		AssessmentID: id,
		PositionID:   row.ID.String(),
		Market:       row.Market,
		EntryPrice:   row.EntryPrice,
		ExitPrice:    row.CurrentPrice,
		RealizedPnl:  domain.PositionPnl(row.Side, row.Quantity, row.EntryPrice, row.CurrentPrice),
	}
	if err := w.producer.Publish(ctx, id, payload, uuid.New().String()); err != nil {
		w.log.Warn().Err(err).Msg("Failed to publish recovered closure")
	}
	return nil
}

// reconcileFunded persists the funded envelope numerics. Withdrawal
// totals are written by the withdrawal saga directly and are not
// touched here.
func (w *Worker) reconcileFunded(ctx context.Context, id string) error {
	accountID, err := uuid.Parse(id)
	if err != nil {
		w.log.Warn().Str("key_id", id).Msg("Skipping snapshot with malformed id")
		return nil
	}
	snapshot, err := w.states.Get(ctx, cache.ScopeFunded, id)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	result := reliability.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.db.WithContext(ctx).Model(&database.FundedVirtualAccount{}).
			Where("funded_account_id = ?", accountID).
			Updates(map[string]any{
				"current_balance": snapshot.CurrentBalance,
				"peak_balance":    snapshot.PeakBalance,
				"realized_pnl":    snapshot.RealizedPnl,
				"unrealized_pnl":  snapshot.UnrealizedPnl,
			}).Error
	})
	if result.Err != nil {
		w.deadLetter(ctx, id, "", result)
		return result.Err
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, accountID, positionID string, result reliability.Result) {
	entry := reliability.DeadLetter{
		AssessmentID: accountID,
		PositionID:   positionID,
		Timestamp:    time.Now(),
		ErrorMessage: result.Err.Error(),
		RetryCount:   result.Attempts,
		ErrorType:    result.ErrorType,
	}
	if err := w.dlq.Push(ctx, entry); err != nil {
		w.log.Error().Err(err).Msg("Failed to push dead letter")
		return
	}
	metrics.DeadLetters.Inc()
}
