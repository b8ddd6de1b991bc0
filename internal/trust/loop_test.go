package trust

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
)

func newTestSubscription(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	sub, err := registry.NewSubscription(id, "subscriber-1", "master-1", registry.Policy{
		MaxPriceDeviationPips: 20, MaxTTLMillis: 5000, MaxLot: 10,
	})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestLoopPausesToxicSubscriptionOnRepeatedInvalidSignatures(t *testing.T) {
	reg := registry.New()
	newTestSubscription(t, reg, "sub-1")

	sink := protection.NewMemorySink(100)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), protection.NewEvent("sub-1", int64(i), now, now, "INVALID_SIGNATURE", "SYNCED"))
	}

	loop := New(Config{
		Registry: reg,
		Events:   sink,
		Window:   time.Hour,
	}, zerolog.Nop())

	if err := loop.updateOne("sub-1"); err != nil {
		t.Fatalf("updateOne: %v", err)
	}

	sub, err := reg.SnapshotForAdmission("sub-1")
	if err != nil {
		t.Fatalf("SnapshotForAdmission: %v", err)
	}
	if sub.State != registry.StatePausedToxic {
		t.Fatalf("expected PAUSED_TOXIC after five invalid-signature rejections, got %s (score %d)", sub.State, sub.TrustScore)
	}
}

func TestLoopResumesAfterTrustRecovers(t *testing.T) {
	reg := registry.New()
	newTestSubscription(t, reg, "sub-1")

	sink := protection.NewMemorySink(100)
	now := time.Now().UTC()
	sink.Record(context.Background(), protection.NewEvent("sub-1", 1, now, now, "INVALID_SIGNATURE", "SYNCED"))
	sink.Record(context.Background(), protection.NewEvent("sub-1", 2, now, now, "INVALID_SIGNATURE", "SYNCED"))
	sink.Record(context.Background(), protection.NewEvent("sub-1", 3, now, now, "INVALID_SIGNATURE", "SYNCED"))

	ledger := NewMemoryExecutionLedger(1000)

	loop := New(Config{
		Registry:   reg,
		Events:     sink,
		Executions: ledger,
		Window:     time.Hour,
	}, zerolog.Nop())

	if err := loop.updateOne("sub-1"); err != nil {
		t.Fatalf("updateOne: %v", err)
	}
	sub, _ := reg.SnapshotForAdmission("sub-1")
	if sub.State != registry.StatePausedToxic {
		t.Fatalf("expected PAUSED_TOXIC, got %s", sub.State)
	}

	// Simulate a clean window: no new rejections, plenty of executions.
	sink2 := protection.NewMemorySink(100)
	for i := 0; i < 200; i++ {
		ledger.RecordExecution("sub-1", time.Now().UTC())
	}
	loop.events = sink2
	loop.executions = ledger

	for i := 0; i < 5; i++ {
		if err := loop.updateOne("sub-1"); err != nil {
			t.Fatalf("updateOne: %v", err)
		}
	}

	sub, _ = reg.SnapshotForAdmission("sub-1")
	if sub.State != registry.StateSynced {
		t.Fatalf("expected recovery to SYNCED, got %s (score %d)", sub.State, sub.TrustScore)
	}
}

func TestLoopSweepCoversEverySubscription(t *testing.T) {
	reg := registry.New()
	newTestSubscription(t, reg, "sub-1")
	newTestSubscription2(t, reg, "sub-2")

	sink := protection.NewMemorySink(100)
	loop := New(Config{Registry: reg, Events: sink, Window: time.Hour}, zerolog.Nop())
	loop.sweep(context.Background())

	for _, id := range []string{"sub-1", "sub-2"} {
		sub, err := reg.SnapshotForAdmission(id)
		if err != nil {
			t.Fatalf("SnapshotForAdmission(%s): %v", id, err)
		}
		if sub.Version != 2 {
			t.Fatalf("expected %s to have been swept exactly once (version 2), got %d", id, sub.Version)
		}
	}
}

func newTestSubscription2(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	sub, err := registry.NewSubscription(id, "subscriber-2", "master-1", registry.Policy{
		MaxPriceDeviationPips: 20, MaxTTLMillis: 5000, MaxLot: 10,
	})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
}
