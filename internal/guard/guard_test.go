package guard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/wire"
)

type testHarness struct {
	guard    *Guard
	wallet   *FakeWalletOracle
	terminal *FakeHostTerminal
	quotes   *FakeQuoteSource
	sink     *protection.MemorySink
	secret   []byte
}

func newTestHarness(t *testing.T, policy registry.Policy) *testHarness {
	t.Helper()
	secret := []byte("receiver-secret")
	wallet := NewFakeWalletOracle()
	terminal := NewFakeHostTerminal()
	quotes := NewFakeQuoteSource()
	quotes.SetQuote("EURUSD", Quote{Bid: 1.10000, Ask: 1.10010, Digits: 5, Point: 0.00001})
	sink := protection.NewMemorySink(100)

	seqPath := filepath.Join(t.TempDir(), "sequence.bin")
	g, err := New(Config{
		SubscriptionID: "sub-1",
		Secret:         secret,
		Policy:         policy,
		Wallet:         wallet,
		Terminal:       terminal,
		Quotes:         quotes,
		Sink:           sink,
		SequenceStore:  NewSequenceStore(seqPath),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testHarness{guard: g, wallet: wallet, terminal: terminal, quotes: quotes, sink: sink, secret: secret}
}

func signalAt(seq int64, generatedAt time.Time) *wire.Signal {
	return &wire.Signal{
		SequenceNumber: seq,
		GeneratedAtMs:  generatedAt.UnixMilli(),
		Symbol:         "EURUSD",
		Side:           wire.SideBuy,
		Volume:         1,
		Price:          1.10010,
	}
}

func (h *testHarness) signed(s *wire.Signal) *wire.Signal {
	wire.Sign(s, "sub-1", h.secret)
	return s
}

func defaultPolicy() registry.Policy {
	return registry.Policy{MaxPriceDeviationPips: 20, MaxTTLMillis: 5000, MaxLot: 10}
}

func TestGuardHappyPath(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	s := h.signed(signalAt(1, time.Now()))

	got := h.guard.Evaluate(context.Background(), s)
	if !got.Accepted {
		t.Fatalf("expected acceptance, got reason %s", got.Reason)
	}
	if len(h.terminal.Orders()) != 1 {
		t.Fatalf("expected exactly one order placed")
	}
	if h.guard.LastAccepted() != 1 {
		t.Fatalf("expected last_accepted_sequence 1, got %d", h.guard.LastAccepted())
	}
}

func TestGuardRejectsReplay(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	ctx := context.Background()
	h.guard.Evaluate(ctx, h.signed(signalAt(1, time.Now())))

	dup := h.guard.Evaluate(ctx, h.signed(signalAt(1, time.Now())))
	if dup.Accepted || dup.Reason != ReasonDuplicate {
		t.Fatalf("expected DUPLICATE, got %+v", dup)
	}

	replay := h.guard.Evaluate(ctx, h.signed(signalAt(0, time.Now())))
	if replay.Accepted || replay.Reason != ReasonReplay {
		t.Fatalf("expected REPLAY for a sequence below the last accepted one, got %+v", replay)
	}
}

func TestGuardDetectsSequenceGapAndTriggersFullSync(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	var gapRequested bool
	var haveThrough int64 = -1
	h.guard.onGap = func(ctx context.Context, have int64) {
		gapRequested = true
		haveThrough = have
	}

	got := h.guard.Evaluate(context.Background(), h.signed(signalAt(5, time.Now())))
	if got.Accepted || got.Reason != ReasonSequenceGap {
		t.Fatalf("expected SEQUENCE_GAP, got %+v", got)
	}
	if !gapRequested {
		t.Fatalf("expected full-sync request to be triggered")
	}
	if haveThrough != 0 {
		t.Fatalf("expected have_through 0 (no prior signal), got %d", haveThrough)
	}
	if h.guard.State() != registry.StateDegradedGap {
		t.Fatalf("expected local state DEGRADED_GAP, got %s", h.guard.State())
	}
}

func TestGuardRejectsDuringStateLocked(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	ctx := context.Background()
	// Force a gap to enter DEGRADED_GAP.
	h.guard.Evaluate(ctx, h.signed(signalAt(5, time.Now())))

	// The next in-sequence signal (seq 1) is still blocked by the state
	// guard, since the subscription remains non-SYNCED until full sync.
	got := h.guard.Evaluate(ctx, h.signed(signalAt(1, time.Now())))
	if got.Accepted || got.Reason != ReasonStateLocked {
		t.Fatalf("expected STATE_LOCKED, got %+v", got)
	}
}

func TestGuardGapRecoveryBypassesStateGuardOnly(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	ctx := context.Background()
	h.guard.Evaluate(ctx, h.signed(signalAt(5, time.Now())))

	got := h.guard.EvaluateGapRecovery(ctx, h.signed(signalAt(1, time.Now())))
	if !got.Accepted {
		t.Fatalf("expected gap-recovery signal to be accepted, got reason %s", got.Reason)
	}
}

func TestGuardRejectsExpiredTTL(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	stale := signalAt(1, time.Now().Add(-10*time.Second))
	got := h.guard.Evaluate(context.Background(), h.signed(stale))
	if got.Accepted || got.Reason != ReasonTTLExpired {
		t.Fatalf("expected TTL_EXPIRED, got %+v", got)
	}
}

func TestGuardRejectsPriceDeviation(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	s := signalAt(1, time.Now())
	s.Price = 1.20000 // far outside 20 pip band
	got := h.guard.Evaluate(context.Background(), h.signed(s))
	if got.Accepted || got.Reason != ReasonPriceDeviation {
		t.Fatalf("expected PRICE_DEVIATION, got %+v", got)
	}

	events := h.sink.Recent("sub-1")
	if len(events) != 1 || events[0].ObservedDeviation == nil {
		t.Fatalf("expected protection event with observed_deviation recorded")
	}
}

func TestGuardRejectsInsufficientFunds(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	h.wallet.SetFunds("sub-1", false)

	got := h.guard.Evaluate(context.Background(), h.signed(signalAt(1, time.Now())))
	if got.Accepted || got.Reason != ReasonInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %+v", got)
	}
	if h.guard.State() != registry.StateLockedNoFunds {
		t.Fatalf("expected local state LOCKED_NO_FUNDS, got %s", h.guard.State())
	}
}

func TestGuardRejectsOnWalletOracleErrorByDefault(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	h.wallet.FailNextOutage()

	got := h.guard.Evaluate(context.Background(), h.signed(signalAt(1, time.Now())))
	if got.Accepted || got.Reason != ReasonInsufficientFunds {
		t.Fatalf("expected fail-closed INSUFFICIENT_FUNDS on wallet oracle error, got %+v", got)
	}
	if h.guard.State() != registry.StateLockedNoFunds {
		t.Fatalf("expected local state LOCKED_NO_FUNDS, got %s", h.guard.State())
	}
}

func TestGuardFailsOpenOnWalletOracleErrorWhenConfigured(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	h.guard.failOpenOnWalletOutage = true
	h.wallet.FailNextOutage()

	got := h.guard.Evaluate(context.Background(), h.signed(signalAt(1, time.Now())))
	if !got.Accepted {
		t.Fatalf("expected acceptance with fail-open configured, got reason %s", got.Reason)
	}
}

func TestGuardRejectsInvalidSignature(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	s := h.signed(signalAt(1, time.Now()))
	s.Price = 1.10011 // tamper after signing

	got := h.guard.Evaluate(context.Background(), s)
	if got.Accepted || got.Reason != ReasonInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE, got %+v", got)
	}
}

func TestGuardRollsBackSequenceOnOrderPlacementFailure(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	ctx := context.Background()

	h.guard.Evaluate(ctx, h.signed(signalAt(1, time.Now())))
	if h.guard.LastAccepted() != 1 {
		t.Fatalf("expected sequence 1 accepted first")
	}

	h.terminal.FailNextOrder()
	got := h.guard.Evaluate(ctx, h.signed(signalAt(2, time.Now())))
	if got.Accepted {
		t.Fatalf("expected rejection on simulated order placement failure")
	}
	if h.guard.LastAccepted() != 1 {
		t.Fatalf("expected rollback to sequence 1 after placement failure, got %d", h.guard.LastAccepted())
	}

	persisted, err := h.guard.seqStore.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted != 1 {
		t.Fatalf("expected persisted sequence rolled back to 1, got %d", persisted)
	}
}

func TestGuardRestartRecoversLastAcceptedSequence(t *testing.T) {
	h := newTestHarness(t, defaultPolicy())
	ctx := context.Background()
	h.guard.Evaluate(ctx, h.signed(signalAt(1, time.Now())))
	h.guard.Evaluate(ctx, h.signed(signalAt(2, time.Now())))

	restarted, err := New(Config{
		SubscriptionID: "sub-1",
		Secret:         h.secret,
		Policy:         defaultPolicy(),
		Wallet:         h.wallet,
		Terminal:       h.terminal,
		Quotes:         h.quotes,
		Sink:           h.sink,
		SequenceStore:  h.guard.seqStore,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if restarted.LastAccepted() != 2 {
		t.Fatalf("expected restarted guard to recover sequence 2, got %d", restarted.LastAccepted())
	}
}
