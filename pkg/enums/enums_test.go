package enums

import "testing"

func TestParsePlanMode(t *testing.T) {
	cases := map[string]PlanMode{
		"subscription": PlanModeSubscription,
		" Payment ":    PlanModePayment,
		"SUBSCRIPTION": PlanModeSubscription,
	}
	for raw, want := range cases {
		got, err := ParsePlanMode(raw)
		if err != nil {
			t.Fatalf("ParsePlanMode(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParsePlanMode(%q) = %q, want %q", raw, got, want)
		}
	}
	for _, raw := range []string{"", "setup"} {
		if _, err := ParsePlanMode(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseEventRecordStatus(t *testing.T) {
	for _, status := range []EventRecordStatus{EventRecordStatusPending, EventRecordStatusProcessed, EventRecordStatusFailed} {
		got, err := ParseEventRecordStatus(status.String())
		if err != nil || got != status {
			t.Fatalf("ParseEventRecordStatus(%q) = %q, %v", status, got, err)
		}
	}
	if _, err := ParseEventRecordStatus("PROCESSED"); err == nil {
		t.Fatal("stored statuses are exact")
	}
	if EventRecordStatusPending.IsTerminal() || !EventRecordStatusFailed.IsTerminal() || !EventRecordStatusProcessed.IsTerminal() {
		t.Fatal("unexpected terminal states")
	}
}

func TestParseSubscriptionStatus(t *testing.T) {
	got, err := ParseSubscriptionStatus(" Past_Due ")
	if err != nil || got != SubscriptionStatusPastDue {
		t.Fatalf("unexpected parse result %q, %v", got, err)
	}
	for _, raw := range []string{"", "paid", "paused"} {
		if _, err := ParseSubscriptionStatus(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSubscriptionStatusAccess(t *testing.T) {
	cases := []struct {
		status      SubscriptionStatus
		deactivated bool
		access      bool
	}{
		{SubscriptionStatusActive, false, true},
		{SubscriptionStatusTrialing, false, true},
		{SubscriptionStatusPastDue, false, true},
		{SubscriptionStatusCanceled, true, false},
		{SubscriptionStatusIncomplete, true, false},
		{SubscriptionStatusIncompleteExpired, true, false},
		{SubscriptionStatusUnpaid, true, false},
	}
	for _, tc := range cases {
		if tc.status.IsDeactivated() != tc.deactivated || tc.status.GrantsAccess() != tc.access {
			t.Fatalf("%s: deactivated=%v access=%v", tc.status, tc.status.IsDeactivated(), tc.status.GrantsAccess())
		}
	}
}

func TestUserTierIsSet(t *testing.T) {
	if UserTierUnchanged.IsSet() || !UserTierFree.IsSet() || !UserTierPro.IsSet() {
		t.Fatal("only explicit tiers are set")
	}
}
