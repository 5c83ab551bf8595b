package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/agencyworks/billing-reconciler/pkg/db/types"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// SideEffectIntent is a durable unit of dispatcher work emitted by the reconciler.
type SideEffectIntent struct {
	ID             uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	DedupeKey      string                 `gorm:"column:dedupe_key;not null;uniqueIndex:ux_side_effect_intents_dedupe_key"`
	EventID        string                 `gorm:"column:event_id;not null"`
	SubscriptionID *uuid.UUID             `gorm:"column:subscription_id;type:uuid"`
	Kind           enums.SideEffectKind   `gorm:"column:kind;not null"`
	Payload        dbtypes.JSON           `gorm:"column:payload;type:jsonb;not null"`
	Status         enums.SideEffectStatus `gorm:"column:status;not null"`
	Sequence       int                    `gorm:"column:sequence;not null;default:0"`
	AttemptCount   int                    `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt  time.Time              `gorm:"column:next_attempt_at;not null"`
	LastError      *string                `gorm:"column:last_error"`
	CreatedAt      time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time              `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt    *time.Time             `gorm:"column:completed_at"`
}

func (i *SideEffectIntent) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
