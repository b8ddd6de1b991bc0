package registry

import "testing"

func TestApplyKnownTransitions(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		want  State
	}{
		{StateSynced, EventGapReported, StateDegradedGap},
		{StateSynced, EventWalletEmpty, StateLockedNoFunds},
		{StateSynced, EventTrustBelow, StatePausedToxic},
		{StateSynced, EventAdminSuspend, StateSuspendedAdmin},
		{StateDegradedGap, EventFullSyncComplete, StateSynced},
		{StateLockedNoFunds, EventFundsRestored, StateSynced},
		{StatePausedToxic, EventTrustRecovered, StateSynced},
		{StateSuspendedAdmin, EventAdminResume, StateSynced},
	}

	for _, c := range cases {
		got, ok := Apply(c.from, c.event)
		if !ok {
			t.Fatalf("Apply(%s, %s): expected known transition", c.from, c.event)
		}
		if got != c.want {
			t.Fatalf("Apply(%s, %s) = %s, want %s", c.from, c.event, got, c.want)
		}
	}
}

func TestApplyUnknownTransitionIsNoOp(t *testing.T) {
	got, ok := Apply(StateLockedNoFunds, EventDeliveryOK)
	if ok {
		t.Fatalf("expected no transition for delivery_ok from LOCKED_NO_FUNDS")
	}
	if got != StateLockedNoFunds {
		t.Fatalf("expected state unchanged, got %s", got)
	}
}

func TestAdminSuspendWinsFromEveryState(t *testing.T) {
	for _, from := range []State{StateSynced, StateDegradedGap, StateLockedNoFunds, StatePausedToxic, StateSuspendedAdmin} {
		got, ok := Apply(from, EventAdminSuspend)
		if !ok || got != StateSuspendedAdmin {
			t.Fatalf("admin_suspend from %s: got (%s, %v), want (SUSPENDED_ADMIN, true)", from, got, ok)
		}
	}
}
