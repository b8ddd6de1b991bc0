package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/metrics"
	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/wire"
)

// ExecutionRecorder receives a notification for every signal that passes
// all six guards and executes, feeding the Trust Loop's positive input
// (internal/trust.ExecutionRecorder — not imported directly to avoid a
// guard→trust dependency; any type satisfying this method set works).
type ExecutionRecorder interface {
	RecordExecution(subscriptionID string, at time.Time)
}

// FullSyncRequester is invoked when the sequence guard detects a gap, so
// the caller can kick off the distributor's full-sync transport without
// this package depending on internal/fanout.
type FullSyncRequester func(ctx context.Context, haveThrough int64)

// Decision is the guard's verdict on one signal.
type Decision struct {
	Accepted bool
	Reason   Reason
	TicketID string
}

// Guard is the ExecutionGuard: the receiver admission pipeline, per spec
// §4.5. One Guard instance exists per live subscription on the receiver.
type Guard struct {
	subscriptionID string
	secret         []byte
	policy         registry.Policy

	wallet   WalletOracle
	terminal HostTerminal
	quotes   QuoteSource
	sink     protection.Sink
	onGap    FullSyncRequester
	onExec   ExecutionRecorder

	failOpenOnWalletOutage bool

	seqStore *SequenceStore
	logger   zerolog.Logger

	mu    sync.Mutex
	state registry.State
	last  int64
}

// Config bundles a Guard's fixed collaborators and policy.
type Config struct {
	SubscriptionID string
	Secret         []byte
	Policy         registry.Policy
	Wallet         WalletOracle
	Terminal       HostTerminal
	Quotes         QuoteSource
	Sink           protection.Sink
	OnGap          FullSyncRequester
	OnExecution    ExecutionRecorder
	SequenceStore  *SequenceStore

	// FailOpenOnWalletOutage overrides the fund guard's default fail-closed
	// behavior on wallet-oracle error (spec §4.5, §9: "any uncertainty
	// means reject and log"). Defaults to false.
	FailOpenOnWalletOutage bool
}

// New builds a Guard, loading its receiver-local last_accepted_sequence
// from disk. On restart this value equals either the last successfully
// placed order's sequence or, at worst, one strictly less (spec §4.5
// "Crash safety").
func New(cfg Config, logger zerolog.Logger) (*Guard, error) {
	last, err := cfg.SequenceStore.Load()
	if err != nil {
		return nil, fmt.Errorf("guard: load sequence store: %w", err)
	}
	return &Guard{
		subscriptionID:         cfg.SubscriptionID,
		secret:                 cfg.Secret,
		policy:                 cfg.Policy,
		wallet:                 cfg.Wallet,
		terminal:               cfg.Terminal,
		quotes:                 cfg.Quotes,
		sink:                   cfg.Sink,
		onGap:                  cfg.OnGap,
		onExec:                 cfg.OnExecution,
		failOpenOnWalletOutage: cfg.FailOpenOnWalletOutage,
		seqStore:               cfg.SequenceStore,
		logger:                 logger.With().Str("component", "execution_guard").Str("subscription_id", cfg.SubscriptionID).Logger(),
		state:                  registry.StateSynced,
		last:                   last,
	}, nil
}

// State returns the guard's current local state.
func (g *Guard) State() registry.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastAccepted returns the guard's current local last_accepted_sequence.
func (g *Guard) LastAccepted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Evaluate runs the fixed six-guard pipeline against signal, in order,
// short-circuiting on the first failure (spec §4.5).
func (g *Guard) Evaluate(ctx context.Context, signal *wire.Signal) Decision {
	return g.evaluate(ctx, signal, false)
}

// EvaluateGapRecovery feeds a signal delivered during full sync through the
// same pipeline, bypassing only the state guard (spec §4.5 note on step 2),
// while still advancing the sequence one at a time.
func (g *Guard) EvaluateGapRecovery(ctx context.Context, signal *wire.Signal) Decision {
	return g.evaluate(ctx, signal, true)
}

func (g *Guard) evaluate(ctx context.Context, signal *wire.Signal, bypassStateGuard bool) Decision {
	start := time.Now()
	defer func() {
		metrics.GuardPipelineLatency.Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	generatedAt := time.UnixMilli(signal.GeneratedAtMs).UTC()
	ageMs := now.Sub(generatedAt).Milliseconds()

	g.mu.Lock()
	last := g.last
	state := g.state
	g.mu.Unlock()

	n := signal.SequenceNumber

	// 1. Sequence guard.
	if n <= last {
		reason := ReasonReplay
		if n == last {
			reason = ReasonDuplicate
		}
		return g.reject(ctx, signal, reason, ageMs, state)
	}
	if n > last+1 {
		g.mu.Lock()
		g.state = registry.StateDegradedGap
		g.mu.Unlock()
		if g.onGap != nil {
			g.onGap(ctx, last)
		}
		return g.reject(ctx, signal, ReasonSequenceGap, ageMs, registry.StateDegradedGap)
	}

	// 2. State guard.
	if !bypassStateGuard && state != registry.StateSynced {
		return g.reject(ctx, signal, ReasonStateLocked, ageMs, state)
	}

	// 3. TTL guard.
	if g.policy.MaxTTLMillis > 0 && ageMs > g.policy.MaxTTLMillis {
		return g.reject(ctx, signal, ReasonTTLExpired, ageMs, state)
	}

	// 4. Price-deviation guard.
	quote, err := g.quotes.Quote(ctx, signal.Symbol)
	if err != nil {
		g.logger.Error().Err(err).Str("symbol", signal.Symbol).Msg("quote source unavailable, failing closed")
		return g.reject(ctx, signal, ReasonPriceDeviation, ageMs, state)
	}
	deviationPips := priceDeviationPips(signal, quote)
	if g.policy.MaxPriceDeviationPips > 0 && absFloat(deviationPips) > g.policy.MaxPriceDeviationPips {
		return g.rejectWithDeviation(ctx, signal, ReasonPriceDeviation, ageMs, state, deviationPips)
	}

	// 5. Fund guard.
	hasFunds, err := g.wallet.HasFunds(ctx, g.subscriptionID)
	if err != nil {
		if !g.failOpenOnWalletOutage {
			g.logger.Warn().Err(err).Msg("wallet oracle error, failing closed")
			g.mu.Lock()
			g.state = registry.StateLockedNoFunds
			g.mu.Unlock()
			return g.reject(ctx, signal, ReasonInsufficientFunds, ageMs, registry.StateLockedNoFunds)
		}
		g.logger.Warn().Err(err).Msg("wallet oracle error, failing open per configuration")
	} else if !hasFunds {
		g.mu.Lock()
		g.state = registry.StateLockedNoFunds
		g.mu.Unlock()
		return g.reject(ctx, signal, ReasonInsufficientFunds, ageMs, registry.StateLockedNoFunds)
	}

	// 6. Signature guard.
	if !wire.Verify(signal, g.subscriptionID, g.secret) {
		return g.reject(ctx, signal, ReasonInvalidSignature, ageMs, state)
	}

	return g.execute(ctx, signal, n, quote)
}

// execute runs the persist-then-place-then-commit sequence for a signal
// that passed all six guards (spec §4.5).
func (g *Guard) execute(ctx context.Context, signal *wire.Signal, n int64, quote Quote) Decision {
	g.mu.Lock()
	previous := g.last
	g.mu.Unlock()

	// 1. Persist n to local durable storage before placing the order.
	if err := g.seqStore.Save(n); err != nil {
		g.logger.Error().Err(err).Int64("sequence", n).Msg("failed to persist sequence before order placement, failing closed")
		return Decision{Accepted: false, Reason: ReasonOrderPlacementFail}
	}

	side := "BUY"
	if signal.Side == wire.SideSell {
		side = "SELL"
	} else if signal.Side == wire.SideClose {
		side = "CLOSE"
	}

	// 2. Invoke place_order.
	ticketID, err := g.terminal.PlaceOrder(ctx, Order{
		Symbol: signal.Symbol,
		Side:   side,
		Volume: signal.Volume,
		Price:  signal.Price,
		SL:     signal.StopLoss,
		TP:     signal.TakeProfit,
	})
	if err != nil {
		// 4. On failure: roll back the persisted sequence.
		if rbErr := g.seqStore.Save(previous); rbErr != nil {
			g.logger.Error().Err(rbErr).Msg("failed to roll back sequence store after order placement failure")
		}
		g.logger.Error().Err(err).Int64("sequence", n).Msg("order placement failed, not a protection event")
		metrics.GuardRejections.WithLabelValues(string(ReasonOrderPlacementFail)).Inc()
		return Decision{Accepted: false, Reason: ReasonOrderPlacementFail}
	}

	// 3. On success: commit last_accepted_sequence in memory.
	g.mu.Lock()
	g.last = n
	g.state = registry.StateSynced
	g.mu.Unlock()

	metrics.GuardExecutions.WithLabelValues(g.subscriptionID).Inc()
	if g.onExec != nil {
		g.onExec.RecordExecution(g.subscriptionID, time.Now().UTC())
	}
	return Decision{Accepted: true, TicketID: ticketID}
}

func (g *Guard) reject(ctx context.Context, signal *wire.Signal, reason Reason, ageMs int64, state registry.State) Decision {
	return g.rejectWithDeviation(ctx, signal, reason, ageMs, state, 0)
}

func (g *Guard) rejectWithDeviation(ctx context.Context, signal *wire.Signal, reason Reason, ageMs int64, state registry.State, deviationPips float64) Decision {
	metrics.GuardRejections.WithLabelValues(string(reason)).Inc()

	event := protection.NewEvent(
		g.subscriptionID,
		signal.SequenceNumber,
		time.UnixMilli(signal.GeneratedAtMs).UTC(),
		time.Now().UTC(),
		string(reason),
		string(state),
	)
	if reason == ReasonPriceDeviation {
		event.ObservedDeviation = &deviationPips
	}
	if err := g.sink.Record(ctx, event); err != nil {
		g.logger.Error().Err(err).Msg("failed to record protection event, treating as system failure")
	}

	return Decision{Accepted: false, Reason: reason}
}

// priceDeviationPips converts the difference between signal.Price and the
// relevant side of quote into pips using the symbol's point size (spec
// §4.5 guard 4: "ask for BUY, bid for SELL").
func priceDeviationPips(signal *wire.Signal, quote Quote) float64 {
	reference := quote.Ask
	if signal.Side == wire.SideSell {
		reference = quote.Bid
	}
	if quote.Point == 0 {
		return 0
	}
	return (signal.Price - reference) / quote.Point
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
