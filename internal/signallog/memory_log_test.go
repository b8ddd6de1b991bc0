package signallog

import (
	"context"
	"testing"
	"time"

	"github.com/tradewire/replicator/internal/wire"
)

func testSignal(seq int64) *wire.Signal {
	return &wire.Signal{
		MasterID:       "master-1",
		SequenceNumber: seq,
		GeneratedAtMs:  1_700_000_000_000,
		Symbol:         "EURUSD",
		Side:           wire.SideBuy,
		Volume:         1.0,
		Price:          1.1,
	}
}

func TestMemoryLogAppendAssignsIncreasingOffsets(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	first, err := log.Append(ctx, "master-1", testSignal(1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := log.Append(ctx, "master-1", testSignal(2))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second <= first {
		t.Fatalf("expected increasing offsets, got %d then %d", first, second)
	}
}

func TestMemoryLogReadFromReplaysBacklog(t *testing.T) {
	log := NewMemoryLog()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := int64(1); i <= 3; i++ {
		if _, err := log.Append(ctx, "master-1", testSignal(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ch, err := log.ReadFrom(ctx, "master-1", -1)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case rec := <-ch:
			if rec.Signal.SequenceNumber != i {
				t.Fatalf("expected sequence %d, got %d", i, rec.Signal.SequenceNumber)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for record %d", i)
		}
	}
}

func TestMemoryLogReadFromSkipsAlreadySeen(t *testing.T) {
	log := NewMemoryLog()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := int64(1); i <= 3; i++ {
		if _, err := log.Append(ctx, "master-1", testSignal(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ch, err := log.ReadFrom(ctx, "master-1", 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.Offset != 1 {
			t.Fatalf("expected first delivered offset to be 1, got %d", rec.Offset)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for record")
	}
}

func TestMemoryLogTrimDropsOldRecords(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if _, err := log.Append(ctx, "master-1", testSignal(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := log.Trim(ctx, "master-1", 3); err != nil {
		t.Fatalf("trim: %v", err)
	}

	log.mu.RLock()
	remaining := len(log.streams["master-1"])
	log.mu.RUnlock()
	if remaining != 2 {
		t.Fatalf("expected 2 records remaining after trim, got %d", remaining)
	}
}

func TestMemoryLogRejectsAfterClose(t *testing.T) {
	log := NewMemoryLog()
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := log.Append(context.Background(), "master-1", testSignal(1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
