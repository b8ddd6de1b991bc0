package registry

import "testing"

func newTestSub(t *testing.T, reg *Registry, id, subscriber, master string) *Subscription {
	t.Helper()
	sub, err := NewSubscription(id, subscriber, master, Policy{MaxPriceDeviationPips: 20, MaxTTLMillis: 5000, MaxLot: 10})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-a")

	dup, _ := NewSubscription("sub-1", "subscriber-b", "master-b", Policy{})
	if err := reg.Create(dup); err == nil {
		t.Fatalf("expected error creating duplicate subscription id")
	}
}

func TestCreateRejectsDuplicatePair(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-a")

	dup, _ := NewSubscription("sub-2", "subscriber-a", "master-a", Policy{})
	if err := reg.Create(dup); err == nil {
		t.Fatalf("expected error creating duplicate (subscriber, master) pair")
	}
}

func TestTransitionAdvancesStateAndVersion(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-a")

	got, err := reg.Transition("sub-1", EventGapReported, 1)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.State != StateDegradedGap {
		t.Fatalf("expected DEGRADED_GAP, got %s", got.State)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
}

func TestTransitionRejectsStaleVersion(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-a")

	if _, err := reg.Transition("sub-1", EventGapReported, 1); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if _, err := reg.Transition("sub-1", EventFullSyncComplete, 1); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestAdvanceSequenceRejectsDecrease(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-a")

	got, err := reg.AdvanceSequence("sub-1", 10, 1)
	if err != nil {
		t.Fatalf("AdvanceSequence: %v", err)
	}
	if got.LastAcceptedSequence != 10 {
		t.Fatalf("expected sequence 10, got %d", got.LastAcceptedSequence)
	}

	if _, err := reg.AdvanceSequence("sub-1", 5, got.Version); err == nil {
		t.Fatalf("expected error decreasing last_accepted_sequence")
	}
}

func TestMasterSubscriptionsIndex(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-x")
	newTestSub(t, reg, "sub-2", "subscriber-b", "master-x")
	newTestSub(t, reg, "sub-3", "subscriber-c", "master-y")

	ids := reg.MasterSubscriptions("master-x")
	if len(ids) != 2 {
		t.Fatalf("expected 2 subscriptions for master-x, got %d", len(ids))
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	reg := New()
	newTestSub(t, reg, "sub-1", "subscriber-a", "master-x")

	if err := reg.Delete("sub-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Snapshot("sub-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if ids := reg.MasterSubscriptions("master-x"); len(ids) != 0 {
		t.Fatalf("expected empty index after delete, got %v", ids)
	}
}
