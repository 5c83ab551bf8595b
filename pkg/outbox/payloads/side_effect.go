package payloads

import (
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/enums"
)

// SideEffectPayloadVersion is bumped whenever SideEffect changes incompatibly.
const SideEffectPayloadVersion = 1

// SideEffect carries everything an executor needs without reading the store again.
type SideEffect struct {
	ExternalSubscriptionID string                    `json:"external_subscription_id"`
	ExternalCustomerID     string                    `json:"external_customer_id,omitempty"`
	CustomerEmail          string                    `json:"customer_email,omitempty"`
	CustomerName           string                    `json:"customer_name,omitempty"`
	CustomerPhone          string                    `json:"customer_phone,omitempty"`
	Status                 enums.SubscriptionStatus  `json:"status"`
	PreviousStatus         *enums.SubscriptionStatus `json:"previous_status,omitempty"`
	EffectiveAt            *time.Time                `json:"effective_at,omitempty"`
	Reason                 string                    `json:"reason,omitempty"`
	AmountDue              string                    `json:"amount_due,omitempty"`
	Currency               string                    `json:"currency,omitempty"`
	AttemptCount           int                       `json:"attempt_count,omitempty"`
}
