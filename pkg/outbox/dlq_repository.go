package outbox

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/pagination"
)

const maxDLQErrorLen = 1024

// DLQFilter narrows a dead-letter listing; zero fields match everything.
type DLQFilter struct {
	Kind    enums.SideEffectKind
	EventID string
}

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.SideEffectDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

func (r *DLQRepository) FindByIntentID(ctx context.Context, intentID uuid.UUID) (*models.SideEffectDLQ, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var dlq models.SideEffectDLQ
	err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&dlq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dlq, nil
}

// List returns dead-lettered intents newest first using cursor pagination on
// (failed_at, id). The returned cursor is empty on the last page.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter, params pagination.Params) ([]models.SideEffectDLQ, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cursor, err := pagination.Decode(params.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := pagination.Clamp(params.Limit)
	query := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Order("id DESC").
		Limit(limit + 1)
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if cursor != nil {
		query = query.Where("failed_at < ? OR (failed_at = ? AND id < ?)", cursor.At, cursor.At, cursor.ID)
	}
	var rows []models.SideEffectDLQ
	if err := query.Find(&rows).Error; err != nil {
		return nil, "", err
	}
	rows, next := pagination.Cut(rows, limit, func(row models.SideEffectDLQ) pagination.Cursor {
		return pagination.Cursor{At: row.FailedAt, ID: row.ID}
	})
	return rows, next, nil
}

// truncateDLQError caps message at maxDLQErrorLen bytes without splitting a rune.
func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	cut := maxDLQErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
