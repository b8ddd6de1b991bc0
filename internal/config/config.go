// Package config loads and validates process configuration for both the
// master-facing replication plane and the receiver-side ExecutionGuard
// agent from environment variables, with sensible production defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ReplicatordConfig holds configuration for the master-facing replication
// plane: Ingest Gateway, Signal Log, Subscription Registry, Fan-out
// Distributor, Protection Event Sink and Trust Loop.
type ReplicatordConfig struct {
	// Network
	IngestAddr string `env:"REPLICATOR_INGEST_ADDR" envDefault:":7301"`
	FanoutAddr string `env:"REPLICATOR_FANOUT_ADDR" envDefault:":7302"`
	AdminAddr  string `env:"REPLICATOR_ADMIN_ADDR" envDefault:":7303"`

	// Signal Log (NATS JetStream)
	NATSURL         string `env:"REPLICATOR_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	StreamRetention int    `env:"REPLICATOR_STREAM_RETENTION_DAYS" envDefault:"7"`

	// Protection Event Sink (Kafka wire protocol via franz-go)
	KafkaBrokers         string `env:"REPLICATOR_KAFKA_BROKERS" envDefault:"127.0.0.1:9092"`
	ProtectionEventTopic string `env:"REPLICATOR_PROTECTION_TOPIC" envDefault:"protection-events"`
	ExecutionTopic       string `env:"REPLICATOR_EXECUTION_TOPIC" envDefault:"guard-executions"`
	KafkaConsumerGroup   string `env:"REPLICATOR_KAFKA_CONSUMER_GROUP" envDefault:"replicatord-trust-loop"`

	// Admin control plane
	AdminJWTSecret string `env:"REPLICATOR_ADMIN_JWT_SECRET" envDefault:"development-only-secret"`

	// Resource limits (hot path admission)
	MaxConnections     int     `env:"REPLICATOR_MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines      int     `env:"REPLICATOR_MAX_GOROUTINES" envDefault:"20000"`
	CPULimit           float64 `env:"REPLICATOR_CPU_LIMIT" envDefault:"2.0"`
	MemoryLimit        int64   `env:"REPLICATOR_MEMORY_LIMIT" envDefault:"1073741824"` // 1GiB
	CPURejectThreshold float64 `env:"REPLICATOR_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"REPLICATOR_CPU_PAUSE_THRESHOLD" envDefault:"85.0"`

	// Per-master-connection rate limiting (token bucket)
	MaxPacketsPerSecPerMaster int `env:"REPLICATOR_MAX_PACKETS_PER_SEC" envDefault:"200"`

	// Bounded-freshness guard (§4.1 step 4)
	ClockSkewBound time.Duration `env:"REPLICATOR_CLOCK_SKEW_BOUND" envDefault:"60s"`

	// Distributor tunables (Open Question, see DESIGN.md)
	SuppressNonSyncedDelivery bool `env:"REPLICATOR_SUPPRESS_NON_SYNCED" envDefault:"false"`
	FullSyncReplayCap         int  `env:"REPLICATOR_FULL_SYNC_REPLAY_CAP" envDefault:"50000"`

	// Trust loop
	TrustLoopInterval  time.Duration `env:"REPLICATOR_TRUST_LOOP_INTERVAL" envDefault:"5m"`
	TrustWindow        time.Duration `env:"REPLICATOR_TRUST_WINDOW" envDefault:"24h"`
	TrustPauseThresh   int           `env:"REPLICATOR_TRUST_PAUSE_THRESHOLD" envDefault:"50"`
	TrustResumeThresh  int           `env:"REPLICATOR_TRUST_RESUME_THRESHOLD" envDefault:"60"`
	MetricsInterval    time.Duration `env:"REPLICATOR_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"REPLICATOR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"REPLICATOR_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"REPLICATOR_ENV" envDefault:"development"`
}

// GuardConfig holds configuration for the receiver-side ExecutionGuard
// agent. It runs colocated with the subscriber's terminal, in adversary
// controlled process space, and is deliberately minimal.
type GuardConfig struct {
	SubscriptionID string `env:"GUARD_SUBSCRIPTION_ID,required"`
	FanoutURL      string `env:"GUARD_FANOUT_URL" envDefault:"ws://127.0.0.1:7302/subscribe"`
	SequenceFile   string `env:"GUARD_SEQUENCE_FILE" envDefault:"./guard-sequence.dat"`

	MaxTTLMillis            int64   `env:"GUARD_MAX_TTL_MS" envDefault:"500"`
	MaxPriceDeviationPips   float64 `env:"GUARD_MAX_PRICE_DEVIATION_PIPS" envDefault:"50"`
	MaxLot                  float64 `env:"GUARD_MAX_LOT" envDefault:"10"`
	SecretKeyRef            string  `env:"GUARD_SECRET_KEY_REF,required"`
	FailOpenOnWalletOutage  bool    `env:"GUARD_FAIL_OPEN_ON_WALLET_OUTAGE" envDefault:"false"`

	// Protection Event Sink / execution reporting (franz-go producers)
	KafkaBrokers     string `env:"GUARD_KAFKA_BROKERS" envDefault:"127.0.0.1:9092"`
	ProtectionTopic  string `env:"GUARD_PROTECTION_TOPIC" envDefault:"protection-events"`
	ExecutionTopic   string `env:"GUARD_EXECUTION_TOPIC" envDefault:"guard-executions"`

	LogLevel  string `env:"GUARD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GUARD_LOG_FORMAT" envDefault:"json"`
}

// LoadReplicatord reads and validates the master-facing plane configuration.
// Priority: ENV vars > .env file > defaults, matching the teacher's own
// precedence ("ENV vars > .env file > defaults").
func LoadReplicatord(logger *zerolog.Logger) (*ReplicatordConfig, error) {
	loadDotenv(logger)

	cfg := &ReplicatordConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse replicatord config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate replicatord config: %w", err)
	}
	return cfg, nil
}

// LoadGuard reads and validates the receiver-side ExecutionGuard configuration.
func LoadGuard(logger *zerolog.Logger) (*GuardConfig, error) {
	loadDotenv(logger)

	cfg := &GuardConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse guard config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate guard config: %w", err)
	}
	return cfg, nil
}

func loadDotenv(logger *zerolog.Logger) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment variables only")
		}
		return
	}
	if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}
}

// Validate enforces range and logical checks before the process starts
// accepting traffic.
func (c *ReplicatordConfig) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("REPLICATOR_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("REPLICATOR_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("REPLICATOR_CPU_PAUSE_THRESHOLD (%.1f) must be >= REPLICATOR_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.TrustResumeThresh < c.TrustPauseThresh {
		return fmt.Errorf("REPLICATOR_TRUST_RESUME_THRESHOLD (%d) must be >= REPLICATOR_TRUST_PAUSE_THRESHOLD (%d)",
			c.TrustResumeThresh, c.TrustPauseThresh)
	}
	if !validLevel[c.LogLevel] {
		return fmt.Errorf("REPLICATOR_LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	return nil
}

// Validate enforces range checks on the guard configuration.
func (c *GuardConfig) Validate() error {
	if c.MaxTTLMillis <= 0 {
		return fmt.Errorf("GUARD_MAX_TTL_MS must be > 0, got %d", c.MaxTTLMillis)
	}
	if c.MaxPriceDeviationPips <= 0 {
		return fmt.Errorf("GUARD_MAX_PRICE_DEVIATION_PIPS must be > 0, got %.2f", c.MaxPriceDeviationPips)
	}
	if c.SecretKeyRef == "" {
		return fmt.Errorf("GUARD_SECRET_KEY_REF is required")
	}
	if !validLevel[c.LogLevel] {
		return fmt.Errorf("GUARD_LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	return nil
}

var validLevel = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
