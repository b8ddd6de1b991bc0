package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/signallog"
	"github.com/tradewire/replicator/internal/wire"
)

func newTestDistributor(t *testing.T) (*Distributor, *signallog.MemoryLog, *registry.Registry) {
	t.Helper()
	log := signallog.NewMemoryLog()
	reg := registry.New()
	d := NewDistributor(log, reg, zerolog.Nop())
	return d, log, reg
}

func newGapSubscription(t *testing.T, reg *registry.Registry, id, master string) *registry.Subscription {
	t.Helper()
	sub, err := registry.NewSubscription(id, "subscriber-a", master, registry.Policy{})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Transition(id, registry.EventGapReported, sub.Version); err != nil {
		t.Fatalf("Transition to DEGRADED_GAP: %v", err)
	}
	return sub
}

func appendSignals(t *testing.T, log *signallog.MemoryLog, masterID string, n int) {
	t.Helper()
	for i := int64(1); i <= int64(n); i++ {
		if _, err := log.Append(context.Background(), masterID, &wire.Signal{
			MasterID:       masterID,
			SequenceNumber: i,
			GeneratedAtMs:  1_700_000_000_000,
			Symbol:         "EURUSD",
			Side:           wire.SideBuy,
			Volume:         1,
			Price:          1.1,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestFullSyncDeliversBacklogAndCompletes(t *testing.T) {
	d, log, reg := newTestDistributor(t)
	newGapSubscription(t, reg, "sub-1", "master-1")
	appendSignals(t, log, "master-1", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan *wire.Signal, 10)
	if err := d.FullSync(ctx, FullSyncRequest{SubscriptionID: "sub-1", HaveThrough: -1}, out); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if len(out) != 5 {
		t.Fatalf("expected 5 replayed signals, got %d", len(out))
	}

	sub, err := reg.Snapshot("sub-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sub.State != registry.StateSynced {
		t.Fatalf("expected subscription to return to SYNCED, got %s", sub.State)
	}
}

func TestFullSyncRespectsReplayCap(t *testing.T) {
	d, log, reg := newTestDistributor(t)
	newGapSubscription(t, reg, "sub-1", "master-1")
	appendSignals(t, log, "master-1", MaxReplayRecords+10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan *wire.Signal, MaxReplayRecords+10)
	err := d.FullSync(ctx, FullSyncRequest{SubscriptionID: "sub-1", HaveThrough: -1}, out)
	if err != ErrReplayCapExceeded {
		t.Fatalf("expected ErrReplayCapExceeded, got %v", err)
	}

	sub, err := reg.Snapshot("sub-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sub.State != registry.StateDegradedGap {
		t.Fatalf("expected subscription to remain DEGRADED_GAP, got %s", sub.State)
	}
}
