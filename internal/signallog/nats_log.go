package signallog

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/wire"
)

// NATSConfig mirrors the connection tuning the teacher's NATS client
// exposed, plus the JetStream durability knobs the Signal Log needs.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration

	// StreamName is the JetStream stream backing every master's subject.
	// One stream, one subject per master (subject = StreamName.<master_id>),
	// so per-master ordering falls out of JetStream's per-subject ordering
	// guarantee without cross-master coupling.
	StreamName string
}

// NATSLog is the JetStream-backed Log: durable before Append returns,
// at-least-once ReadFrom via an ephemeral pull consumer per call, Trim via
// stream purge.
type NATSLog struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger zerolog.Logger
}

// NewNATSLog connects to NATS, ensures the backing stream exists, and
// returns a ready Log.
func NewNATSLog(cfg NATSConfig, logger zerolog.Logger) (*NATSLog, error) {
	l := &NATSLog{cfg: cfg, logger: logger.With().Str("component", "signallog_nats").Logger()}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			l.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			l.logger.Warn().Err(err).Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			l.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("signallog: connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("signallog: open jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("signallog: ensure stream: %w", err)
	}

	l.conn = conn
	l.js = js
	return l, nil
}

func (l *NATSLog) subject(masterID string) string {
	return l.cfg.StreamName + "." + masterID
}

func (l *NATSLog) Append(ctx context.Context, masterID string, signal *wire.Signal) (int64, error) {
	ack, err := l.js.Publish(l.subject(masterID), wire.EncodeSignal(signal), nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("signallog: append master %s: %w", masterID, err)
	}
	// ack.Sequence is the stream-wide publish sequence; it is returned for
	// logging/diagnostics only, not as a cursor callers compare against
	// ReadFrom's master-local offsets (see ReadFrom).
	return int64(ack.Sequence), nil
}

func (l *NATSLog) ReadFrom(ctx context.Context, masterID string, afterOffset int64) (<-chan Record, error) {
	sub, err := l.js.PullSubscribe(l.subject(masterID), "", nats.DeliverAll(), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("signallog: subscribe master %s: %w", masterID, err)
	}

	out := make(chan Record, 256)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				l.logger.Error().Err(err).Str("master_id", masterID).Msg("fetch failed")
				return
			}
			for _, msg := range msgs {
				meta, err := msg.Metadata()
				if err != nil {
					msg.Nak()
					continue
				}
				// meta.Sequence.Stream is the JetStream stream's global
				// sequence, shared across every master's subject on this
				// stream; it diverges from a master's own signal-sequence
				// numbering once more than one master shares the stream.
				// meta.Sequence.Consumer is this ephemeral, single-subject
				// pull consumer's own delivery count, i.e. "the Nth message
				// ever published on masterID's subject" under DeliverAll —
				// the master-local offset domain that afterOffset and
				// Record.Offset use.
				offset := int64(meta.Sequence.Consumer)
				if offset <= afterOffset {
					msg.Ack()
					continue
				}
				signal, err := wire.DecodeSignal(msg.Data)
				if err != nil {
					l.logger.Error().Err(err).Int64("offset", offset).Msg("undecodable signal, acking to avoid poison-message stall")
					msg.Ack()
					continue
				}
				select {
				case out <- Record{Offset: offset, Signal: signal}:
					afterOffset = offset
					msg.Ack()
				case <-ctx.Done():
					msg.Nak()
					return
				}
			}
		}
	}()

	return out, nil
}

func (l *NATSLog) Trim(ctx context.Context, masterID string, beforeOffset int64) error {
	if err := l.js.PurgeStream(l.cfg.StreamName, &nats.StreamPurgeRequest{
		Subject: l.subject(masterID),
		Keep:    0,
		Seq:     uint64(beforeOffset),
	}); err != nil {
		return fmt.Errorf("signallog: trim master %s: %w", masterID, err)
	}
	return nil
}

func (l *NATSLog) Close() error {
	l.conn.Close()
	return nil
}
