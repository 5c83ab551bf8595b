package enums

// SubscriptionTrigger is the normalized cause of a reconciliation step.
type SubscriptionTrigger string

const (
	TriggerCreated               SubscriptionTrigger = "created"
	TriggerPaymentSucceeded      SubscriptionTrigger = "payment_succeeded"
	TriggerPaymentFailed         SubscriptionTrigger = "payment_failed"
	TriggerCancelRequested       SubscriptionTrigger = "cancel_requested"
	TriggerCancelWithdrawn       SubscriptionTrigger = "cancel_withdrawn"
	TriggerUpdated               SubscriptionTrigger = "updated"
	TriggerDeleted               SubscriptionTrigger = "deleted"
	TriggerReactivationRequested SubscriptionTrigger = "reactivation_requested"
	TriggerCustomerUpsert        SubscriptionTrigger = "customer_upsert"
	TriggerUnknown               SubscriptionTrigger = "unknown"
)

var validSubscriptionTriggers = []SubscriptionTrigger{
	TriggerCreated,
	TriggerPaymentSucceeded,
	TriggerPaymentFailed,
	TriggerCancelRequested,
	TriggerCancelWithdrawn,
	TriggerUpdated,
	TriggerDeleted,
	TriggerReactivationRequested,
	TriggerCustomerUpsert,
	TriggerUnknown,
}

func (t SubscriptionTrigger) String() string {
	return string(t)
}

func (t SubscriptionTrigger) IsValid() bool {
	for _, candidate := range validSubscriptionTriggers {
		if candidate == t {
			return true
		}
	}
	return false
}

// SubscriptionScoped reports whether the trigger mutates a subscription record.
func (t SubscriptionTrigger) SubscriptionScoped() bool {
	switch t {
	case TriggerCustomerUpsert, TriggerUnknown:
		return false
	}
	return t.IsValid()
}
