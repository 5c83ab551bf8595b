package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

const maxLastErrorLen = 1024

// Repository persists side effect intents for the dispatcher.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores intents inside the caller's transaction. Rows whose dedupe key
// already exists are skipped, so replays never enqueue twice.
func (r *Repository) Insert(tx *gorm.DB, intents ...models.SideEffectIntent) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if len(intents) == 0 {
		return 0, nil
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&intents)
	return res.RowsAffected, res.Error
}

// FetchDueForDispatch locks up to limit pending intents whose next attempt is due.
// Rows locked by another worker are skipped.
func (r *Repository) FetchDueForDispatch(tx *gorm.DB, limit int, now time.Time) ([]models.SideEffectIntent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var rows []models.SideEffectIntent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", enums.SideEffectStatusPending).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at ASC").
		Order("created_at ASC").
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// LeaseTx hides claimed intents from other workers until the lease expires.
// An intent whose worker dies before recording a result becomes due again.
func (r *Repository) LeaseTx(tx *gorm.DB, ids []uuid.UUID, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.SideEffectIntent{}).
		Where("id IN ?", ids).
		Update("next_attempt_at", until).Error
}

func (r *Repository) MarkSucceededTx(tx *gorm.DB, id uuid.UUID, now time.Time) error {
	return tx.Model(&models.SideEffectIntent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.SideEffectStatusSucceeded,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"completed_at":  now,
			"last_error":    nil,
		}).Error
}

// MarkRetryTx records a failed attempt and schedules the next one.
func (r *Repository) MarkRetryTx(tx *gorm.DB, id uuid.UUID, err error, next time.Time) error {
	return tx.Model(&models.SideEffectIntent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      truncateError(err),
			"next_attempt_at": next,
		}).Error
}

// MarkDeadTx records the final failed attempt.
func (r *Repository) MarkDeadTx(tx *gorm.DB, id uuid.UUID, err error, now time.Time) error {
	return tx.Model(&models.SideEffectIntent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.SideEffectStatusDead,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    truncateError(err),
			"completed_at":  now,
		}).Error
}

// DeferTx pushes an intent back without counting an attempt.
func (r *Repository) DeferTx(tx *gorm.DB, id uuid.UUID, until time.Time) error {
	return tx.Model(&models.SideEffectIntent{}).
		Where("id = ?", id).
		Update("next_attempt_at", until).Error
}

// ListByEvent returns the intents emitted for a processor event in emission order.
func (r *Repository) ListByEvent(ctx context.Context, eventID string) ([]models.SideEffectIntent, error) {
	var rows []models.SideEffectIntent
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("sequence ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteFinishedBefore removes succeeded or dead intents completed before cutoff.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ?", []enums.SideEffectStatus{enums.SideEffectStatusSucceeded, enums.SideEffectStatusDead}).
		Where("completed_at < ?", cutoff).
		Delete(&models.SideEffectIntent{})
	return res.RowsAffected, res.Error
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}
