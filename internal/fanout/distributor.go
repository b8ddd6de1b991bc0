// Package fanout delivers every accepted signal of a master to every live
// subscription of that master, in strict per-stream order, at least once
// (spec §4.4).
package fanout

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/signallog"
	"github.com/tradewire/replicator/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// sendBufferSize bounds how far a receiver can lag before the
	// distributor considers the channel stalled and drops the connection;
	// the receiver reconnects and advertises last_accepted_sequence, which
	// resumes delivery from the log (spec §4.4).
	sendBufferSize = 1024
)

// receiver is one live per-subscription push channel.
type receiver struct {
	subscriptionID string
	conn           connWriter
	send           chan *wire.Signal
	closeOnce      sync.Once
}

// connWriter is the subset of net.Conn the distributor needs, so tests can
// substitute an in-memory pipe instead of a real socket.
type connWriter interface {
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Distributor fans out signals from the Signal Log to every live receiver
// of a master, honoring delivery cursors and suppression while a
// subscription is non-SYNCED.
type Distributor struct {
	log    signallog.Log
	reg    *registry.Registry
	logger zerolog.Logger

	// SuppressNonSynced controls whether push is skipped while a
	// subscription is outside SYNCED, per spec §4.4's implementor freedom
	// ("implementations are free to suppress push ... to save bandwidth").
	// Default false: always deliver, let the receiver reject.
	SuppressNonSynced bool

	mu        sync.RWMutex
	receivers map[string]*receiver // subscriptionID -> receiver
}

// NewDistributor builds a Distributor over log and reg.
func NewDistributor(log signallog.Log, reg *registry.Registry, logger zerolog.Logger) *Distributor {
	return &Distributor{
		log:       log,
		reg:       reg,
		logger:    logger.With().Str("component", "fanout_distributor").Logger(),
		receivers: make(map[string]*receiver),
	}
}

// Attach registers conn as the live push channel for subscriptionID and
// starts its write pump. lastAccepted is the receiver-advertised
// last_accepted_sequence used to resume delivery (spec §4.4).
func (d *Distributor) Attach(ctx context.Context, subscriptionID string, conn connWriter, lastAccepted int64) {
	r := &receiver{
		subscriptionID: subscriptionID,
		conn:           conn,
		send:           make(chan *wire.Signal, sendBufferSize),
	}

	d.mu.Lock()
	if old, exists := d.receivers[subscriptionID]; exists {
		old.closeOnce.Do(func() { close(old.send) })
	}
	d.receivers[subscriptionID] = r
	d.mu.Unlock()

	go d.writePump(ctx, r)
	go d.resumeDelivery(ctx, subscriptionID, r, lastAccepted)
}

// Detach removes subscriptionID's push channel, e.g. on disconnect.
// Buffered, undelivered messages are abandoned (spec §4.4).
func (d *Distributor) Detach(subscriptionID string) {
	d.mu.Lock()
	r, exists := d.receivers[subscriptionID]
	if exists {
		delete(d.receivers, subscriptionID)
	}
	d.mu.Unlock()
	if exists {
		r.closeOnce.Do(func() { close(r.send) })
	}
}

// Publish accepts a freshly-appended signal and fans it out to every live
// subscription of signal.MasterID.
func (d *Distributor) Publish(signal *wire.Signal) {
	ids := d.reg.MasterSubscriptions(signal.MasterID)
	for _, id := range ids {
		sub, err := d.reg.Snapshot(id)
		if err != nil {
			continue
		}
		if d.SuppressNonSynced && sub.State != registry.StateSynced {
			continue
		}
		if sub.State == registry.StateDegradedGap {
			// Full-sync mode owns delivery for this subscription until the
			// gap is closed; see fullsync.go.
			continue
		}

		d.mu.RLock()
		r, live := d.receivers[id]
		d.mu.RUnlock()
		if !live {
			continue
		}

		select {
		case r.send <- signal:
			if err := d.reg.SetHWM(id, signal.SequenceNumber); err != nil {
				d.logger.Error().Err(err).Str("subscription_id", id).Msg("failed to advance delivery HWM")
			}
		default:
			d.logger.Warn().Str("subscription_id", id).Msg("receiver send buffer full, dropping connection")
			d.Detach(id)
		}
	}
}

// resumeDelivery catches a receiver up on everything it missed since
// lastAccepted, routed through the bounded FullSync transport (spec §5:
// "Full-sync replay is bounded; beyond a cap the subscription remains
// DEGRADED_GAP pending operator action"). If lastAccepted is behind what the
// distributor has already delivered, the subscription is marked
// DEGRADED_GAP for the duration of the catch-up.
func (d *Distributor) resumeDelivery(ctx context.Context, subscriptionID string, r *receiver, lastAccepted int64) {
	sub, err := d.reg.SnapshotForAdmission(subscriptionID)
	if err != nil {
		d.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("cannot resume delivery, unknown subscription")
		return
	}

	if lastAccepted < sub.HWM {
		if _, err := d.reg.Transition(subscriptionID, registry.EventGapReported, sub.Version); err != nil && err != registry.ErrVersionConflict {
			d.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("failed to mark subscription degraded for gap recovery")
		}
	}

	if err := d.FullSync(ctx, FullSyncRequest{SubscriptionID: subscriptionID, HaveThrough: lastAccepted}, r.send); err != nil {
		if err == ErrReplayCapExceeded {
			// Subscription stays DEGRADED_GAP; an operator must intervene
			// (spec §5). Nothing further to do here.
			return
		}
		if err != context.Canceled && err != ctx.Err() {
			d.logger.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("resume delivery ended early")
		}
	}
}

func (d *Distributor) writePump(ctx context.Context, r *receiver) {
	writer := bufio.NewWriter(r.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case signal, ok := <-r.send:
			if !ok {
				wsutil.WriteServerMessage(r.conn, ws.OpClose, []byte{})
				return
			}
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload := wire.EncodeSignal(signal)
			if err := wsutil.WriteServerMessage(writer, ws.OpBinary, payload); err != nil {
				d.logger.Debug().Err(err).Str("subscription_id", r.subscriptionID).Msg("write failed")
				return
			}

			n := len(r.send)
			for i := 0; i < n; i++ {
				next := <-r.send
				if err := wsutil.WriteServerMessage(writer, ws.OpBinary, wire.EncodeSignal(next)); err != nil {
					d.logger.Debug().Err(err).Str("subscription_id", r.subscriptionID).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				d.logger.Debug().Err(err).Str("subscription_id", r.subscriptionID).Msg("flush failed")
				return
			}

		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(r.conn, ws.OpPing, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
