package protection

import (
	"context"
	"testing"
	"time"
)

func TestMemorySinkRecordsAndFiltersBySubscription(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()

	ev1 := NewEvent("sub-1", 5, time.Now(), time.Now(), "TTL_EXPIRED", "SYNCED")
	ev2 := NewEvent("sub-2", 6, time.Now(), time.Now(), "PRICE_DEVIATION", "SYNCED")

	if err := sink.Record(ctx, ev1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Record(ctx, ev2); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := sink.Recent("sub-1")
	if len(got) != 1 || got[0].EventID != ev1.EventID {
		t.Fatalf("expected only sub-1's event, got %+v", got)
	}
}

func TestMemorySinkBoundedCapacity(t *testing.T) {
	sink := NewMemorySink(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := sink.Record(ctx, NewEvent("sub-1", int64(i), time.Now(), time.Now(), "TTL_EXPIRED", "SYNCED")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got := sink.Recent("sub-1")
	if len(got) != 3 {
		t.Fatalf("expected capacity-bounded 3 events, got %d", len(got))
	}
	if got[len(got)-1].SignalSequence != 4 {
		t.Fatalf("expected the most recent event retained, got sequence %d", got[len(got)-1].SignalSequence)
	}
}

func TestMemorySinkPruneOlderThan(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()

	old := NewEvent("sub-1", 1, time.Now(), time.Now(), "TTL_EXPIRED", "SYNCED")
	old.EventTime = time.Now().Add(-100 * 24 * time.Hour)
	sink.Record(ctx, old)

	recent := NewEvent("sub-1", 2, time.Now(), time.Now(), "TTL_EXPIRED", "SYNCED")
	sink.Record(ctx, recent)

	sink.PruneOlderThan(time.Now().Add(-90 * 24 * time.Hour))

	got := sink.Recent("sub-1")
	if len(got) != 1 || got[0].SignalSequence != 2 {
		t.Fatalf("expected only the recent event to survive pruning, got %+v", got)
	}
}
