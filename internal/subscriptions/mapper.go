package subscriptions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// CustomerStatus is the access-relevant summary for one customer.
type CustomerStatus struct {
	CustomerID     string                   `json:"customer_id"`
	SubscriptionID string                   `json:"subscription_id"`
	Status         enums.SubscriptionStatus `json:"status"`
	HasAccess      bool                     `json:"has_access"`
	CancelPending  bool                     `json:"cancel_at_period_end"`
	EffectiveAt    *time.Time               `json:"cancellation_effective_at,omitempty"`
}

type SubscriptionView struct {
	ID                      uuid.UUID                `json:"id"`
	ExternalSubscriptionID  string                   `json:"external_subscription_id"`
	ExternalCustomerID      string                   `json:"external_customer_id"`
	Status                  enums.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd        *time.Time               `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool                     `json:"cancel_at_period_end"`
	CancellationEffectiveAt *time.Time               `json:"cancellation_effective_at,omitempty"`
	CancellationReason      *string                  `json:"cancellation_reason,omitempty"`
	CanceledAt              *time.Time               `json:"canceled_at,omitempty"`
	ReactivatedAt           *time.Time               `json:"reactivated_at,omitempty"`
	Placeholder             bool                     `json:"placeholder"`
	LastEventID             string                   `json:"last_event_id,omitempty"`
	Metadata                map[string]string        `json:"metadata,omitempty"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

type TransitionView struct {
	From       *enums.SubscriptionStatus `json:"from,omitempty"`
	To         enums.SubscriptionStatus  `json:"to"`
	Trigger    enums.SubscriptionTrigger `json:"trigger"`
	EventID    string                    `json:"event_id"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

type SubscriptionDetail struct {
	SubscriptionView
	Transitions []TransitionView `json:"transitions"`
}

func toView(sub *models.Subscription) SubscriptionView {
	view := SubscriptionView{
		ID:                      sub.ID,
		ExternalSubscriptionID:  sub.ExternalSubscriptionID,
		ExternalCustomerID:      sub.ExternalCustomerID,
		Status:                  sub.Status,
		CurrentPeriodEnd:        sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:       sub.CancelAtPeriodEnd,
		CancellationEffectiveAt: sub.CancellationEffectiveAt,
		CancellationReason:      sub.CancellationReason,
		CanceledAt:              sub.CanceledAt,
		ReactivatedAt:           sub.ReactivatedAt,
		Placeholder:             sub.IsPlaceholder,
		LastEventID:             sub.LastEventID,
		UpdatedAt:               sub.UpdatedAt,
	}
	if len(sub.Metadata) > 0 {
		var meta map[string]string
		// metadata is advisory; a malformed document is dropped from the view
		if err := json.Unmarshal(sub.Metadata, &meta); err == nil {
			view.Metadata = meta
		}
	}
	return view
}

func toTransitionView(t models.SubscriptionTransition) TransitionView {
	return TransitionView{
		From:       t.FromStatus,
		To:         t.ToStatus,
		Trigger:    t.Trigger,
		EventID:    t.EventID,
		OccurredAt: t.OccurredAt,
	}
}
