// Command replicatord runs the master-facing replication plane: the Ingest
// Gateway, the Signal Log, the Subscription Registry, the Fan-out
// Distributor, the admin control plane and the Trust Loop.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/tradewire/replicator/internal/config"
	"github.com/tradewire/replicator/internal/fanout"
	"github.com/tradewire/replicator/internal/ingest"
	"github.com/tradewire/replicator/internal/limits"
	"github.com/tradewire/replicator/internal/logging"
	"github.com/tradewire/replicator/internal/protection"
	"github.com/tradewire/replicator/internal/registry"
	"github.com/tradewire/replicator/internal/signallog"
	"github.com/tradewire/replicator/internal/trust"
	"github.com/tradewire/replicator/internal/wire"
)

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadReplicatord(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "replicatord"})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting replicatord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()

	log, err := signallog.NewNATSLog(signallog.NATSConfig{
		URL:             cfg.NATSURL,
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
		StreamName:      "signals",
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect signal log")
	}
	defer log.Close()

	distributor := fanout.NewDistributor(log, reg, logger)
	distributor.SuppressNonSynced = cfg.SuppressNonSyncedDelivery

	var currentConns int64
	resourceGuard := limits.New(limits.Config{
		MaxConnections:      cfg.MaxConnections,
		MaxGoroutines:       cfg.MaxGoroutines,
		CPULimit:            cfg.CPULimit,
		MemoryLimit:         cfg.MemoryLimit,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		CPUPauseThreshold:   cfg.CPUPauseThreshold,
		MaxAppendsPerSec:    cfg.MaxPacketsPerSecPerMaster,
		MaxBroadcastsPerSec: cfg.MaxPacketsPerSecPerMaster * 10,
	}, logger, &currentConns)
	resourceGuard.StartMonitoring(ctx, cfg.MetricsInterval)

	// Per-connection rate cap (spec §4.1 "Back-pressure"), keyed by
	// master_id: one master owns exactly one physical connection for the
	// life of a ConnServe call. Distinct from resourceGuard above, which is
	// the system-wide shared-resource valve (spec §5).
	connLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPRate:      float64(cfg.MaxPacketsPerSecPerMaster),
		IPBurst:     cfg.MaxPacketsPerSecPerMaster * 2,
		GlobalRate:  float64(cfg.MaxPacketsPerSecPerMaster) * 10,
		GlobalBurst: cfg.MaxPacketsPerSecPerMaster * 20,
		Logger:      logger,
	})
	defer connLimiter.Stop()

	creds := ingest.NewCredentialStore()
	// Master credentials are provisioned out of band (account/wallet CRUD is
	// a named non-goal); the store starts empty and nothing in this binary,
	// the admin API included, adds credentials to it.

	gateway := ingest.NewGateway(log, creds, resourceGuard, connLimiter, distributor.Publish, logger)

	adminAuth := registry.NewAdminAuth(cfg.AdminJWTSecret, time.Hour)
	adminAPI := registry.NewAdminAPI(reg, adminAuth, logger)

	protectionSink := protection.NewMemorySink(100_000)
	executionLedger := trust.NewMemoryExecutionLedger(100_000)

	kafkaBrokers := splitCSV(cfg.KafkaBrokers)
	if len(kafkaBrokers) > 0 {
		eventConsumer, err := protection.NewEventConsumer(protection.EventConsumerConfig{
			Brokers:       kafkaBrokers,
			Topic:         cfg.ProtectionEventTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, protectionSink, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start protection event consumer, trust loop will see no rejections")
		} else {
			go func() {
				defer logging.RecoverPanic(logger, "protection_event_consumer", nil)
				eventConsumer.Run(ctx)
			}()
			defer eventConsumer.Close()
		}

		executionConsumer, err := trust.NewExecutionConsumer(trust.ExecutionConsumerConfig{
			Brokers:       kafkaBrokers,
			Topic:         cfg.ExecutionTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, executionLedger, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start execution consumer, trust loop will see no executions")
		} else {
			go func() {
				defer logging.RecoverPanic(logger, "execution_consumer", nil)
				executionConsumer.Run(ctx)
			}()
			defer executionConsumer.Close()
		}
	}

	trustLoop := trust.New(trust.Config{
		Registry:   reg,
		Events:     protectionSink,
		Executions: executionLedger,
		Thresholds: trust.Thresholds{Pause: cfg.TrustPauseThresh, Resume: cfg.TrustResumeThresh},
		Window:     cfg.TrustWindow,
		Interval:   cfg.TrustLoopInterval,
	}, logger)
	go func() {
		defer logging.RecoverPanic(logger, "trust_loop", nil)
		trustLoop.Run(ctx)
	}()

	ingestListener, err := net.Listen("tcp", cfg.IngestAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.IngestAddr).Msg("failed to bind ingest listener")
	}
	go serveIngest(ctx, ingestListener, gateway, resourceGuard, &currentConns, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/admin/", adminAPI.Handler())
	mux.HandleFunc("/subscribe", func(w http.ResponseWriter, r *http.Request) {
		handleSubscribe(w, r, distributor, reg, logger)
	})

	fanoutServer := &http.Server{
		Addr:         cfg.FanoutAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.FanoutAddr).Msg("fanout/admin/metrics http server listening")
		if err := fanoutServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("fanout http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down replicatord")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	fanoutServer.Shutdown(shutdownCtx)
	ingestListener.Close()
	cancel()
}

// serveIngest accepts raw TCP master connections. Each connection's first
// frame is the producer's token hash (the handshake); every frame after
// that is an EncodeSignal payload, per spec §4.1's "Connection contract".
func serveIngest(ctx context.Context, ln net.Listener, gateway *ingest.Gateway, rg *limits.ResourceGuard, currentConns *int64, logger zerolog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("ingest accept failed")
			continue
		}
		if accept, reason := rg.ShouldAcceptConnection(); !accept {
			logger.Warn().Str("reason", reason).Msg("ingest connection rejected by resource guard")
			conn.Close()
			continue
		}
		atomic.AddInt64(currentConns, 1)
		go func() {
			defer atomic.AddInt64(currentConns, -1)
			defer logging.RecoverPanic(logger, "ingest_connection", nil)
			serveIngestConn(ctx, conn, gateway, logger)
		}()
	}
}

func serveIngestConn(ctx context.Context, conn net.Conn, gateway *ingest.Gateway, logger zerolog.Logger) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	tokenFrame, err := wire.ReadFrame(reader)
	if err != nil {
		logger.Debug().Err(err).Msg("ingest handshake failed")
		return
	}
	tokenHash := string(tokenFrame)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	frames := make(chan []byte, 64)
	acks := make(chan ingest.Ack, 64)

	go func() {
		defer close(frames)
		for {
			frame, err := wire.ReadFrame(reader)
			if err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-connCtx.Done():
				return
			}
		}
	}()

	go func() {
		for ack := range acks {
			if err := writeAck(conn, ack); err != nil {
				connCancel()
				return
			}
		}
	}()

	if err := gateway.ConnServe(connCtx, tokenHash, frames, acks); err != nil {
		logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("ingest connection closed")
	}
	close(acks)
}

// writeAck frames a small fixed-layout ack: [accepted(1)][sequence(8)][reason].
func writeAck(w net.Conn, ack ingest.Ack) error {
	buf := make([]byte, 0, 16+len(ack.Reason))
	accepted := byte(0)
	if ack.Accepted {
		accepted = 1
	}
	buf = append(buf, accepted)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(ack.SequenceNumber))
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, []byte(ack.Reason)...)
	return wire.WriteFrame(w, buf)
}

// handleSubscribe upgrades an HTTP request to a WebSocket push channel for
// one subscription, per spec §4.4.
func handleSubscribe(w http.ResponseWriter, r *http.Request, distributor *fanout.Distributor, reg *registry.Registry, logger zerolog.Logger) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	if subscriptionID == "" {
		http.Error(w, "subscription_id is required", http.StatusBadRequest)
		return
	}
	sub, err := reg.Snapshot(subscriptionID)
	if err != nil {
		http.Error(w, "unknown subscription", http.StatusNotFound)
		return
	}

	var lastAccepted int64
	if v := r.URL.Query().Get("have_through"); v != "" {
		fmt.Sscanf(v, "%d", &lastAccepted)
	} else {
		lastAccepted = sub.HWM
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Error().Err(err).Msg("fanout websocket upgrade failed")
		return
	}

	distributor.Attach(r.Context(), subscriptionID, conn, lastAccepted)
	logger.Info().Str("subscription_id", subscriptionID).Int64("have_through", lastAccepted).Msg("subscriber attached")
}
