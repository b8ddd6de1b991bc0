// Package ingest is the hot path: accept framed signal packets from
// authenticated masters, validate cheaply, and commit each accepted signal
// to the Signal Log in order (spec §4.1). Target latency is sub-20ms at
// p99 from socket read to log commit.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/limits"
	"github.com/tradewire/replicator/internal/metrics"
	"github.com/tradewire/replicator/internal/signallog"
	"github.com/tradewire/replicator/internal/wire"
)

// RejectReason is the closed set of per-packet rejection reasons from
// spec §4.1 and §7.
type RejectReason string

const (
	RejectInvalidCredential RejectReason = "INVALID_CREDENTIAL"
	RejectInvalidSignature  RejectReason = "INVALID_SIGNATURE"
	RejectReplayOrDuplicate RejectReason = "REPLAY_OR_DUPLICATE"
	RejectClockSkew         RejectReason = "CLOCK_SKEW"
	RejectLogUnavailable    RejectReason = "LOG_UNAVAILABLE"
	RejectRateLimit         RejectReason = "RATE_LIMIT"
)

// Ack is the small, bounded response returned to the producer for every
// packet (spec §4.1 step 7).
type Ack struct {
	SequenceNumber int64
	Accepted       bool
	Reason         RejectReason
}

// freshnessBound is the coarse wall-clock sanity window for generated_at
// (spec §4.1 step 4: "e.g., 60s").
const freshnessBound = 60 * time.Second

// masterCursor tracks the last accepted sequence number per master stream,
// guarding stream monotonicity (spec §4.1 step 3). This is distinct from
// the registry's per-subscription last_accepted_sequence: it is the
// *master's* authoritative cursor, keyed by master_id only.
type masterCursor struct {
	mu  sync.Mutex
	seq map[string]int64
}

func newMasterCursor() *masterCursor {
	return &masterCursor{seq: make(map[string]int64)}
}

func (m *masterCursor) checkAndAdvance(masterID string, n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= m.seq[masterID] {
		return false
	}
	m.seq[masterID] = n
	return true
}

// PublishFunc is invoked after a signal is durably appended, so the
// Fan-out Distributor can pick it up without the gateway importing it
// directly.
type PublishFunc func(signal *wire.Signal)

// Gateway is the Ingest Gateway: one instance shared by every master
// connection. Every connection appends through the single signallog.Log
// client held here; no per-connection client is opened, and there is no
// pool of log clients to borrow from or to run out of.
type Gateway struct {
	log           signallog.Log
	creds         *CredentialStore
	resourceGuard *limits.ResourceGuard
	connLimiter   *limits.ConnectionRateLimiter
	logger        zerolog.Logger
	cursor        *masterCursor
	onPublish     PublishFunc
}

// NewGateway builds a Gateway over log and creds. connLimiter may be nil, in
// which case the per-connection rate cap is not enforced.
func NewGateway(log signallog.Log, creds *CredentialStore, rg *limits.ResourceGuard, connLimiter *limits.ConnectionRateLimiter, onPublish PublishFunc, logger zerolog.Logger) *Gateway {
	return &Gateway{
		log:           log,
		creds:         creds,
		resourceGuard: rg,
		connLimiter:   connLimiter,
		logger:        logger.With().Str("component", "ingest_gateway").Logger(),
		cursor:        newMasterCursor(),
		onPublish:     onPublish,
	}
}

// HandlePacket runs the fixed seven-step pipeline from spec §4.1 over a
// single decoded packet and returns the ack to send back to the producer.
func (g *Gateway) HandlePacket(ctx context.Context, tokenHash string, signal *wire.Signal) Ack {
	now := time.Now().UTC()

	// Step 1: credential resolution.
	cred, ok := g.creds.Resolve(tokenHash, now)
	if !ok {
		metrics.IngestRejections.WithLabelValues(string(RejectInvalidCredential)).Inc()
		return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectInvalidCredential}
	}
	signal.MasterID = cred.MasterID
	signal.SubscriptionID = cred.SubscriptionID

	// Back-pressure, per-connection: one master owns one connection for the
	// life of a ConnServe call, so its master_id is the rate-limit key
	// (spec §4.1 "Back-pressure": "Per-connection rate cap (token bucket).
	// Exceeded → reject RATE_LIMIT without closing the connection.").
	if g.connLimiter != nil {
		if !g.connLimiter.CheckConnectionAllowed(cred.MasterID) {
			metrics.IngestRejections.WithLabelValues(string(RejectRateLimit)).Inc()
			return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectRateLimit}
		}
	}

	// Back-pressure, system-wide: the shared-resource safety valve over
	// appends from all connections combined (spec §5), distinct from the
	// per-connection cap above.
	if g.resourceGuard != nil {
		if allow, _ := g.resourceGuard.AllowAppend(ctx); !allow {
			metrics.IngestRejections.WithLabelValues(string(RejectRateLimit)).Inc()
			return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectRateLimit}
		}
	}

	// Step 2: signature check, constant-time.
	if !wire.Verify(signal, cred.SubscriptionID, cred.SecretKey) {
		metrics.IngestRejections.WithLabelValues(string(RejectInvalidSignature)).Inc()
		return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectInvalidSignature}
	}

	// Step 3: stream monotonicity. Gap detection is a receiver concern, so
	// only non-increasing sequence numbers are rejected here.
	if !g.cursor.checkAndAdvance(cred.MasterID, signal.SequenceNumber) {
		metrics.IngestRejections.WithLabelValues(string(RejectReplayOrDuplicate)).Inc()
		return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectReplayOrDuplicate}
	}

	// Step 4: bounded-freshness guard.
	generatedAt := time.UnixMilli(signal.GeneratedAtMs).UTC()
	if skew := now.Sub(generatedAt); skew > freshnessBound || skew < -freshnessBound {
		metrics.IngestRejections.WithLabelValues(string(RejectClockSkew)).Inc()
		return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectClockSkew}
	}

	// Step 5: server stamp. The only timestamp used for TTL decisions
	// downstream (spec §3).
	signal.ServerArrivalTimeMs = now.UnixMilli()

	// Step 6: append. Producer is not acked on log failure.
	if _, err := g.log.Append(ctx, cred.MasterID, signal); err != nil {
		g.logger.Error().Err(err).Str("master_id", cred.MasterID).Int64("sequence", signal.SequenceNumber).Msg("append failed")
		metrics.IngestRejections.WithLabelValues(string(RejectLogUnavailable)).Inc()
		return Ack{SequenceNumber: signal.SequenceNumber, Accepted: false, Reason: RejectLogUnavailable}
	}

	metrics.IngestAccepted.WithLabelValues(cred.MasterID).Inc()
	if g.onPublish != nil {
		g.onPublish(signal)
	}

	// Step 7: ack.
	return Ack{SequenceNumber: signal.SequenceNumber, Accepted: true}
}

// ConnServe takes already-split frames from frames until that channel is
// closed or ctx is cancelled, decoding and handling each as a packet. Decode errors are
// connection-level protocol violations: the connection is closed and no
// mid-stream resync is attempted (spec §4.1 "Connection contract").
func (g *Gateway) ConnServe(ctx context.Context, tokenHash string, frames <-chan []byte, acks chan<- Ack) error {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			signal, err := wire.DecodeSignal(frame)
			if err != nil {
				return fmt.Errorf("ingest: protocol violation decoding frame: %w", err)
			}
			ack := g.HandlePacket(ctx, tokenHash, signal)
			select {
			case acks <- ack:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
