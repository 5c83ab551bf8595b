package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/agencyworks/billing-reconciler/pkg/db/types"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// Subscription persists the reconciled state of a processor subscription.
type Subscription struct {
	ID                      uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	ExternalSubscriptionID  string                   `gorm:"column:external_subscription_id;not null;uniqueIndex:ux_subscriptions_external_id"`
	CustomerID              *uuid.UUID               `gorm:"column:customer_id;type:uuid;index"`
	ExternalCustomerID      string                   `gorm:"column:external_customer_id;not null;default:''"`
	Status                  enums.SubscriptionStatus `gorm:"column:status;not null"`
	CurrentPeriodEnd        *time.Time               `gorm:"column:current_period_end"`
	CancelAtPeriodEnd       bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CancellationEffectiveAt *time.Time               `gorm:"column:cancellation_effective_at"`
	CancellationReason      *string                  `gorm:"column:cancellation_reason"`
	CanceledAt              *time.Time               `gorm:"column:canceled_at"`
	ReactivatedAt           *time.Time               `gorm:"column:reactivated_at"`
	IsPlaceholder           bool                     `gorm:"column:is_placeholder;not null;default:false"`
	LastEventID             string                   `gorm:"column:last_event_id;not null;default:''"`
	LastEventAt             *time.Time               `gorm:"column:last_event_at"`
	StatusEventAt           *time.Time               `gorm:"column:status_event_at"`
	Metadata                dbtypes.JSON             `gorm:"column:metadata;type:jsonb"`
	Version                 int                      `gorm:"column:version;not null;default:0"`
	CreatedAt               time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Clone returns a deep copy so callers can diff against the original.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.CustomerID != nil {
		id := *s.CustomerID
		out.CustomerID = &id
	}
	out.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	out.CancellationEffectiveAt = cloneTime(s.CancellationEffectiveAt)
	out.CanceledAt = cloneTime(s.CanceledAt)
	out.ReactivatedAt = cloneTime(s.ReactivatedAt)
	out.LastEventAt = cloneTime(s.LastEventAt)
	out.StatusEventAt = cloneTime(s.StatusEventAt)
	if s.CancellationReason != nil {
		reason := *s.CancellationReason
		out.CancellationReason = &reason
	}
	if s.Metadata != nil {
		out.Metadata = append(dbtypes.JSON(nil), s.Metadata...)
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
