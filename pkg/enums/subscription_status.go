package enums

import (
	"database/sql/driver"
	"fmt"
)

// SubscriptionStatus is the locally authoritative billing state of a subscription.
// It maps onto the subscription_status Postgres enum.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete  SubscriptionStatus = "incomplete"
	SubscriptionStatusActive      SubscriptionStatus = "active"
	SubscriptionStatusPastDue     SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled   SubscriptionStatus = "cancelled"
	SubscriptionStatusReactivated SubscriptionStatus = "reactivated"
)

var subscriptionStatusOrder = []SubscriptionStatus{
	SubscriptionStatusIncomplete,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCancelled,
	SubscriptionStatusReactivated,
}

var subscriptionStatusSet = func() map[SubscriptionStatus]struct{} {
	set := make(map[SubscriptionStatus]struct{}, len(subscriptionStatusOrder))
	for _, s := range subscriptionStatusOrder {
		set[s] = struct{}{}
	}
	return set
}()

func (s SubscriptionStatus) String() string {
	return string(s)
}

func (s SubscriptionStatus) IsValid() bool {
	_, ok := subscriptionStatusSet[s]
	return ok
}

// GrantsAccess reports whether the status entitles the customer to the dashboard.
// past_due keeps access while the processor retries the invoice; reactivated
// waits for the next successful payment.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	s := SubscriptionStatus(value)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid subscription status %q", value)
	}
	return s, nil
}

// SubscriptionStatuses returns every known status in lifecycle order.
func SubscriptionStatuses() []SubscriptionStatus {
	return append([]SubscriptionStatus(nil), subscriptionStatusOrder...)
}

// Value refuses to persist an unknown status.
func (s SubscriptionStatus) Value() (driver.Value, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid subscription status %q", string(s))
	}
	return string(s), nil
}

func (s *SubscriptionStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan subscription status from %T", src)
	}
	parsed, err := ParseSubscriptionStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
