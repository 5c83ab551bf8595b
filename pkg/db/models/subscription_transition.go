package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// SubscriptionTransition is an append-only log of status changes.
type SubscriptionTransition struct {
	ID             uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	SubscriptionID uuid.UUID                 `gorm:"column:subscription_id;type:uuid;not null;index"`
	FromStatus     *enums.SubscriptionStatus `gorm:"column:from_status"`
	ToStatus       enums.SubscriptionStatus  `gorm:"column:to_status;not null"`
	Trigger        enums.SubscriptionTrigger `gorm:"column:trigger_kind;not null"`
	EventID        string                    `gorm:"column:event_id;not null"`
	OccurredAt     time.Time                 `gorm:"column:occurred_at;not null"`
	CreatedAt      time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

func (t *SubscriptionTransition) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
