package enums

import "fmt"

// SideEffectKind identifies the work a dispatcher executor performs for an intent.
type SideEffectKind string

const (
	SideEffectCancellationScheduledEmail SideEffectKind = "cancellation_scheduled_email"
	SideEffectCancellationEmail          SideEffectKind = "cancellation_email"
	SideEffectReactivationRequestedEmail SideEffectKind = "reactivation_requested_email"
	SideEffectReactivationEmail          SideEffectKind = "reactivation_email"
	SideEffectPastDueAlert               SideEffectKind = "past_due_alert"
	SideEffectPastDueSMS                 SideEffectKind = "past_due_sms"
	SideEffectPaymentRecoveredEmail      SideEffectKind = "payment_recovered_email"
	SideEffectAccessGrant                SideEffectKind = "access_grant"
	SideEffectAccessRevoke               SideEffectKind = "access_revoke"
)

var validSideEffectKinds = []SideEffectKind{
	SideEffectCancellationScheduledEmail,
	SideEffectCancellationEmail,
	SideEffectReactivationRequestedEmail,
	SideEffectReactivationEmail,
	SideEffectPastDueAlert,
	SideEffectPastDueSMS,
	SideEffectPaymentRecoveredEmail,
	SideEffectAccessGrant,
	SideEffectAccessRevoke,
}

// SideEffectChannel groups kinds by the collaborator that executes them.
type SideEffectChannel string

const (
	ChannelEmail  SideEffectChannel = "email"
	ChannelSMS    SideEffectChannel = "sms"
	ChannelAccess SideEffectChannel = "access"
)

func (k SideEffectKind) String() string {
	return string(k)
}

func (k SideEffectKind) IsValid() bool {
	for _, candidate := range validSideEffectKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// Channel returns the delivery channel for the kind.
func (k SideEffectKind) Channel() SideEffectChannel {
	switch k {
	case SideEffectAccessGrant, SideEffectAccessRevoke:
		return ChannelAccess
	case SideEffectPastDueSMS:
		return ChannelSMS
	default:
		return ChannelEmail
	}
}

func ParseSideEffectKind(value string) (SideEffectKind, error) {
	for _, candidate := range validSideEffectKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid side effect kind %q", value)
}

// SideEffectStatus tracks an intent through the dispatcher.
type SideEffectStatus string

const (
	SideEffectStatusPending   SideEffectStatus = "pending"
	SideEffectStatusSucceeded SideEffectStatus = "succeeded"
	SideEffectStatusDead      SideEffectStatus = "dead"
)

func (s SideEffectStatus) IsValid() bool {
	switch s {
	case SideEffectStatusPending, SideEffectStatusSucceeded, SideEffectStatusDead:
		return true
	}
	return false
}

// IsFinal reports whether the dispatcher will no longer pick up the intent.
func (s SideEffectStatus) IsFinal() bool {
	return s == SideEffectStatusSucceeded || s == SideEffectStatusDead
}
