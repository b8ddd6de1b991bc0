package fanout

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/wire"
)

type fakeConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) Close() error                     { return nil }

func (f *fakeConn) frames(t *testing.T) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r := bytes.NewReader(f.buf.Bytes())
	count := 0
	for {
		_, _, err := wsutil.ReadServerData(r)
		if err != nil {
			break
		}
		count++
	}
	return count
}

func TestDistributorPublishDeliversToSyncedSubscription(t *testing.T) {
	d, _, reg := newTestDistributor(t)
	sub, err := registry.NewSubscription("sub-1", "subscriber-a", "master-1", registry.Policy{})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Attach(ctx, "sub-1", conn, 0)
	defer d.Detach("sub-1")

	d.Publish(&wire.Signal{MasterID: "master-1", SequenceNumber: 1, Symbol: "EURUSD", Side: wire.SideBuy, Volume: 1, Price: 1.1})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.frames(t) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least one frame written to the receiver connection")
}

func TestAttachDrivesDegradedGapThroughBoundedFullSync(t *testing.T) {
	d, log, reg := newTestDistributor(t)
	sub, err := registry.NewSubscription("sub-1", "subscriber-a", "master-1", registry.Policy{})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := reg.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	appendSignals(t, log, "master-1", 5)
	if err := reg.SetHWM("sub-1", 5); err != nil {
		t.Fatalf("SetHWM: %v", err)
	}

	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Receiver reconnects advertising have_through=0, but the distributor
	// has already delivered through sequence 5: a live gap.
	d.Attach(ctx, "sub-1", conn, 0)
	defer d.Detach("sub-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.frames(t) == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := conn.frames(t); got != 5 {
		t.Fatalf("expected 5 replayed frames, got %d", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := reg.Snapshot("sub-1")
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.State == registry.StateSynced {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected subscription to return to SYNCED once gap replay catches up")
}

func TestDistributorPublishSkipsUnknownMaster(t *testing.T) {
	d, _, _ := newTestDistributor(t)
	// No subscriptions registered for this master; Publish must not panic
	// or block.
	d.Publish(&wire.Signal{MasterID: "master-none", SequenceNumber: 1})
}
