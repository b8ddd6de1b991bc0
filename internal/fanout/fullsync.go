package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewire/replicator/internal/metrics"
	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/wire"
)

// idleCaughtUp is how long FullSync waits for the next backlog record
// before concluding the receiver has caught up to the live edge of the
// log. ReadFrom's channel never closes on its own (it tails the log
// indefinitely), so "caught up" is an idle-gap signal rather than a
// channel-close signal.
const idleCaughtUp = 250 * time.Millisecond

// ErrReplayCapExceeded means a replay had already pushed MaxReplayRecords
// records and the backlog still had more; the subscription stays
// DEGRADED_GAP pending operator action (spec §5).
var ErrReplayCapExceeded = fmt.Errorf("fanout: full-sync replay cap exceeded")

// FullSyncRequest is the receiver's gap-recovery request: "I have
// everything through have_through; send me what comes after."
type FullSyncRequest struct {
	SubscriptionID string
	HaveThrough    int64
}

// MaxReplayRecords bounds a single full-sync replay. The distributor pushes
// at most this many records; when the backlog holds more, it stops there,
// returns ErrReplayCapExceeded and leaves the subscription in DEGRADED_GAP
// rather than risk flooding a receiver that may already be struggling to
// keep up.
const MaxReplayRecords = 50_000

// FullSync replays req.SubscriptionID's master stream from req.HaveThrough,
// pushing each record to out in order, and on success transitions the
// subscription back to SYNCED via EventFullSyncComplete.
func (d *Distributor) FullSync(ctx context.Context, req FullSyncRequest, out chan<- *wire.Signal) error {
	sub, err := d.reg.Snapshot(req.SubscriptionID)
	if err != nil {
		return fmt.Errorf("fanout: full sync lookup subscription: %w", err)
	}

	// HaveThrough is a signal sequence number, not a log offset, so the
	// master's stream is read from its start and filtered by sequence.
	ch, err := d.log.ReadFrom(ctx, sub.MasterID, -1)
	if err != nil {
		return fmt.Errorf("fanout: full sync open reader: %w", err)
	}

	idle := time.NewTimer(idleCaughtUp)
	defer idle.Stop()

	delivered := 0
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				metrics.FullSyncReplays.Inc()
				return d.completeFullSync(req.SubscriptionID)
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleCaughtUp)
			if rec.Signal.SequenceNumber <= req.HaveThrough {
				continue
			}

			delivered++
			if delivered > MaxReplayRecords {
				d.logger.Warn().Str("subscription_id", req.SubscriptionID).
					Int("delivered", delivered).Msg("full sync replay cap exceeded, leaving subscription degraded")
				return ErrReplayCapExceeded
			}
			select {
			case out <- rec.Signal:
				if err := d.reg.SetHWM(req.SubscriptionID, rec.Signal.SequenceNumber); err != nil {
					d.logger.Error().Err(err).Str("subscription_id", req.SubscriptionID).Msg("failed to advance delivery HWM during full sync")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-idle.C:
			metrics.FullSyncReplays.Inc()
			return d.completeFullSync(req.SubscriptionID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Distributor) completeFullSync(subscriptionID string) error {
	sub, err := d.reg.SnapshotForAdmission(subscriptionID)
	if err != nil {
		return err
	}
	if sub.State != registry.StateDegradedGap {
		return nil
	}
	if _, err := d.reg.Transition(subscriptionID, registry.EventFullSyncComplete, sub.Version); err != nil {
		return fmt.Errorf("fanout: complete full sync transition: %w", err)
	}
	return nil
}
