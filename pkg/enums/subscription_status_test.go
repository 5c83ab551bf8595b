package enums

import "testing"

func TestSubscriptionStatusDatabaseRoundTrip(t *testing.T) {
	var s SubscriptionStatus
	if err := s.Scan([]byte("past_due")); err != nil || s != SubscriptionStatusPastDue {
		t.Fatalf("scan bytes: %v %q", err, s)
	}
	if err := s.Scan("trialing"); err == nil {
		t.Fatal("expected unknown status to be rejected on scan")
	}
	if err := s.Scan(42); err == nil {
		t.Fatal("expected non-string source to be rejected")
	}
	if _, err := SubscriptionStatus("paused").Value(); err == nil {
		t.Fatal("expected unknown status to be rejected on write")
	}
	v, err := SubscriptionStatusReactivated.Value()
	if err != nil || v != "reactivated" {
		t.Fatalf("value = %v, %v", v, err)
	}
}

func TestGrantsAccess(t *testing.T) {
	want := map[SubscriptionStatus]bool{
		SubscriptionStatusIncomplete:  false,
		SubscriptionStatusActive:      true,
		SubscriptionStatusPastDue:     true,
		SubscriptionStatusCancelled:   false,
		SubscriptionStatusReactivated: false,
	}
	for _, s := range SubscriptionStatuses() {
		if s.GrantsAccess() != want[s] {
			t.Errorf("%s: GrantsAccess = %v", s, s.GrantsAccess())
		}
	}
}
