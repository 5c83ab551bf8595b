package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// Guard records processed deliveries. The unique index on external_event_id is the
// only deduplication mechanism: a delivery is processed by whichever transaction
// inserts its row first.
type Guard struct {
	db *gorm.DB
}

func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Claim inserts the processed-event row inside tx. It reports false when the event
// id was already recorded, in which case the caller must not reconcile it again.
// A concurrent claimer blocks on the index until the first transaction finishes.
func (g *Guard) Claim(tx *gorm.DB, event *models.ProcessedEvent) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if event == nil || event.ExternalEventID == "" {
		return false, errors.New("event id required")
	}
	if event.Outcome == "" {
		event.Outcome = enums.OutcomeReceived
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Finalize stamps the outcome on a claimed row.
func (g *Guard) Finalize(tx *gorm.DB, externalEventID string, outcome enums.ProcessedEventOutcome, subscriptionID string, at time.Time) error {
	if !outcome.IsValid() || outcome == enums.OutcomeReceived {
		return errors.New("final outcome required")
	}
	updates := map[string]any{
		"outcome":      outcome,
		"processed_at": at,
	}
	if subscriptionID != "" {
		updates["external_subscription_id"] = subscriptionID
	}
	return tx.Model(&models.ProcessedEvent{}).
		Where("external_event_id = ?", externalEventID).
		Updates(updates).Error
}

func (g *Guard) findTx(tx *gorm.DB, externalEventID string) (*models.ProcessedEvent, error) {
	var row models.ProcessedEvent
	if err := tx.
		Where("external_event_id = ?", externalEventID).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// DeleteBefore drops processed-event rows older than cutoff. Deliveries replayed
// after their row is gone are reconciled again and land as stale or no-op.
func (g *Guard) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("received_at < ?", cutoff).
		Where("outcome <> ?", enums.OutcomeReceived).
		Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
