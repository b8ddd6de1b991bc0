package trust

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/metrics"
	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
)

// Thresholds are the pause/resume policy knobs from spec §4.6 step 5.
type Thresholds struct {
	Pause  int // score < Pause and SYNCED or DEGRADED_GAP: transition to PAUSED_TOXIC
	Resume int // score >= Resume and PAUSED_TOXIC: transition to SYNCED
}

// DefaultThresholds matches the example values named in spec §4.6.
var DefaultThresholds = Thresholds{Pause: 50, Resume: 50}

// EventSource is the read side of the Protection Event Sink the loop needs:
// the recent rejections for one subscriber, most recent last.
type EventSource interface {
	Recent(subscriptionID string) []protection.Event
}

// ExecutionSource is the read side of the execution ledger.
type ExecutionSource interface {
	CountSince(subscriptionID string, cutoff time.Time) int
}

// Loop is the periodic Trust Score / Auto-Pause job, grounded on the
// teacher's ticker-driven background maintenance goroutine (spec §4.6).
type Loop struct {
	reg        *registry.Registry
	events     EventSource
	executions ExecutionSource
	thresholds Thresholds
	window     time.Duration
	interval   time.Duration
	logger     zerolog.Logger
}

// Config bundles a Loop's collaborators.
type Config struct {
	Registry   *registry.Registry
	Events     EventSource
	Executions ExecutionSource
	Thresholds Thresholds
	Window     time.Duration // rolling aggregation window, e.g. 1h
	Interval   time.Duration // poll period, e.g. 10s
}

// New builds a Loop. Zero-value Thresholds/Window/Interval fall back to
// DefaultThresholds, one hour and ten seconds respectively.
func New(cfg Config, logger zerolog.Logger) *Loop {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Loop{
		reg:        cfg.Registry,
		events:     cfg.Events,
		executions: cfg.Executions,
		thresholds: cfg.Thresholds,
		window:     cfg.Window,
		interval:   cfg.Interval,
		logger:     logger.With().Str("component", "trust_loop").Logger(),
	}
}

// Run blocks, sweeping every subscription once per interval until ctx is
// canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

// sweep runs one pass over every subscription (spec §4.6: "Runs
// periodically per subscriber").
func (l *Loop) sweep(ctx context.Context) {
	for _, id := range l.reg.AllSubscriptionIDs() {
		if err := l.updateOne(id); err != nil {
			l.logger.Error().Err(err).Str("subscription_id", id).Msg("trust update failed")
		}
	}
}

// updateOne performs the lock-read-calculate-write-release step for a
// single subscription (spec §4.6 steps 1-6). The registry's
// UpdateTrustScore method provides the single critical section; this
// function only prepares the window inputs, which do not themselves
// require the subscription lock.
func (l *Loop) updateOne(id string) error {
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)

	events := l.events.Recent(id)
	executionCount := 0
	if l.executions != nil {
		executionCount = l.executions.CountSince(id, cutoff)
	}

	sub, err := l.reg.UpdateTrustScore(id, func(current int) int {
		return score(current, executionCount, events, l.window, now)
	}, l.thresholds.Pause, l.thresholds.Resume)
	if err != nil {
		return err
	}

	metrics.TrustScore.WithLabelValues(sub.SubscriberID).Set(float64(sub.TrustScore))
	return nil
}
