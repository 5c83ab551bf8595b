package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/agencyworks/billing-reconciler/pkg/db/types"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// SideEffectDLQ captures intents that exhausted their retries.
type SideEffectDLQ struct {
	ID           uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	IntentID     uuid.UUID                 `gorm:"column:intent_id;type:uuid;not null"`
	EventID      string                    `gorm:"column:event_id;not null"`
	Kind         enums.SideEffectKind      `gorm:"column:kind;not null"`
	Payload      dbtypes.JSON              `gorm:"column:payload;type:jsonb;not null"`
	ErrorReason  enums.SideEffectDLQReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string                   `gorm:"column:error_message"`
	AttemptCount int                       `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time                 `gorm:"column:failed_at;not null"`
	CreatedAt    time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

func (d *SideEffectDLQ) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
