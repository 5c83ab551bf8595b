package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// ProcessedEvent deduplicates processor deliveries by external event id.
type ProcessedEvent struct {
	ID                     uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	ExternalEventID        string                      `gorm:"column:external_event_id;not null;uniqueIndex:ux_processed_events_external_id"`
	EventType              string                      `gorm:"column:event_type;not null"`
	Outcome                enums.ProcessedEventOutcome `gorm:"column:outcome;not null"`
	ExternalSubscriptionID *string                     `gorm:"column:external_subscription_id"`
	ReceivedAt             time.Time                   `gorm:"column:received_at;not null"`
	ProcessedAt            *time.Time                  `gorm:"column:processed_at"`
}

func (e *ProcessedEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
