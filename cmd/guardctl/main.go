// Command guardctl runs the receiver-side ExecutionGuard: it dials the
// Fan-out Distributor's push channel for one subscription, runs every
// delivered signal through the six-guard admission pipeline, and places
// accepted orders on the local brokerage terminal.
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/tradewire/replicator/internal/config"
	"github.com/tradewire/replicator/internal/guard"
	"github.com/tradewire/replicator/internal/logging"
	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/trust"
	"github.com/tradewire/replicator/internal/wire"
)

const (
	dialTimeout  = 10 * time.Second
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 15 * time.Second
)

func main() {
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadGuard(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "guardctl"})
	logger.Info().Str("subscription_id", cfg.SubscriptionID).Msg("starting guardctl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kafkaBrokers := splitCSV(cfg.KafkaBrokers)

	var sink protection.Sink
	if len(kafkaBrokers) > 0 {
		kafkaSink, err := protection.NewKafkaSink(protection.KafkaSinkConfig{
			Brokers: kafkaBrokers,
			Topic:   cfg.ProtectionTopic,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start protection sink")
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		sink = protection.NewMemorySink(10_000)
	}

	var execRecorder guard.ExecutionRecorder
	if len(kafkaBrokers) > 0 {
		kafkaExec, err := trust.NewKafkaExecutionRecorder(kafkaBrokers, cfg.ExecutionTopic)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start execution recorder")
		}
		defer kafkaExec.Close()
		execRecorder = kafkaExec
	}

	// Wallet, terminal and quote source are out-of-scope services this
	// process integrates with in production; the fakes stand in for a
	// local demo deployment (see internal/guard/collaborators.go).
	wallet := guard.NewFakeWalletOracle()
	terminal := guard.NewFakeHostTerminal()
	quotes := guard.NewFakeQuoteSource()

	seqStore := guard.NewSequenceStore(cfg.SequenceFile)

	reconnect := make(chan int64, 1)
	g, err := guard.New(guard.Config{
		SubscriptionID: cfg.SubscriptionID,
		Secret:         []byte(cfg.SecretKeyRef),
		Policy: registry.Policy{
			MaxPriceDeviationPips: cfg.MaxPriceDeviationPips,
			MaxTTLMillis:          cfg.MaxTTLMillis,
			MaxLot:                cfg.MaxLot,
		},
		Wallet:   wallet,
		Terminal: terminal,
		Quotes:   quotes,
		Sink:     sink,
		OnGap: func(_ context.Context, haveThrough int64) {
			select {
			case reconnect <- haveThrough:
			default:
			}
		},
		OnExecution:            execRecorder,
		SequenceStore:          seqStore,
		FailOpenOnWalletOutage: cfg.FailOpenOnWalletOutage,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start execution guard")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer logging.RecoverPanic(logger, "guard_connection_loop", nil)
		runConnectionLoop(ctx, cfg.FanoutURL, cfg.SubscriptionID, g, reconnect, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down guardctl")
	cancel()
	<-done
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// runConnectionLoop keeps a live push-channel connection to the Fan-out
// Distributor open, reconnecting with backoff on any error and
// advertising the guard's locally persisted last_accepted_sequence so
// resume delivery or full-sync recovery picks up from the right place
// (spec §4.4, §4.5 "Crash safety").
func runConnectionLoop(ctx context.Context, fanoutURL, subscriptionID string, g *guard.Guard, reconnect <-chan int64, logger zerolog.Logger) {
	backoff := reconnectMin
	haveThrough := g.LastAccepted()

	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, _, err := ws.Dial(dialCtx, subscribeURL(fanoutURL, subscriptionID, haveThrough))
		dialCancel()
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("failed to dial fanout, retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectMin
		logger.Info().Int64("have_through", haveThrough).Msg("connected to fanout")

		nextGap, closed := readLoop(ctx, conn, g, reconnect, logger)
		conn.Close()
		if closed {
			return
		}
		haveThrough = nextGap
	}
}

// readLoop consumes frames from one connection until it errors, the guard
// reports a new gap, or ctx is cancelled. It returns the have_through
// value to reconnect with and whether the caller should stop entirely.
func readLoop(ctx context.Context, conn net.Conn, g *guard.Guard, reconnect <-chan int64, logger zerolog.Logger) (int64, bool) {
	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame, 1)

	go func() {
		for {
			data, _, err := wsutil.ReadServerData(conn)
			frames <- frame{data: data, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return g.LastAccepted(), true
		case haveThrough := <-reconnect:
			return haveThrough, false
		case f := <-frames:
			if f.err != nil {
				logger.Debug().Err(f.err).Msg("fanout connection read failed")
				return g.LastAccepted(), false
			}
			signal, err := wire.DecodeSignal(f.data)
			if err != nil {
				logger.Warn().Err(err).Msg("undecodable signal frame, dropping")
				continue
			}
			// Every frame is routed through gap-recovery until the guard's
			// local state returns to SYNCED: a rejected early signal in a
			// replay batch (e.g. TTL_EXPIRED) must not strand the rest of
			// the batch behind a state guard that never clears.
			var decision guard.Decision
			if g.State() != registry.StateSynced {
				decision = g.EvaluateGapRecovery(ctx, signal)
			} else {
				decision = g.Evaluate(ctx, signal)
			}
			if !decision.Accepted {
				logger.Debug().Str("reason", string(decision.Reason)).Int64("sequence", signal.SequenceNumber).Msg("signal rejected")
			}
		}
	}
}

func subscribeURL(base, subscriptionID string, haveThrough int64) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("subscription_id", subscriptionID)
	q.Set("have_through", fmt.Sprintf("%d", haveThrough))
	u.RawQuery = q.Encode()
	return u.String()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}
