package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradewire/replicator/internal/metrics"
)

// ConnectionRateLimiter enforces the per-connection rate cap spec §4.1
// names for the Ingest Gateway's hot path ("Per-connection rate cap (token
// bucket). Exceeded → reject RATE_LIMIT without closing the connection.").
// Despite the "IP" naming inherited from its original per-source-address
// use, the bucket is keyed by an arbitrary string: the Ingest Gateway keys
// it by master_id, since one master owns exactly one physical connection
// for the life of a ConnServe call.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger      zerolog.Logger
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures per-IP and global connection rate
// limits.
type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds a ConnectionRateLimiter, applying
// reasonable defaults for any zero-valued field.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		globalBurst:   cfg.GlobalBurst,
		globalRate:    cfg.GlobalRate,
		logger:        cfg.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	crl.cleanupTick = time.NewTicker(time.Minute)
	go crl.cleanupLoop()

	return crl
}

// CheckConnectionAllowed checks the global bucket first (cheap, no map
// lookup), then key's own bucket (one per master connection).
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(key string) bool {
	if !crl.globalLimiter.Allow() {
		metrics.CapacityRejections.WithLabelValues("connection_rate_global").Inc()
		return false
	}
	if !crl.getKeyLimiter(key).Allow() {
		metrics.CapacityRejections.WithLabelValues("connection_rate_per_key").Inc()
		return false
	}
	return true
}

func (crl *ConnectionRateLimiter) getKeyLimiter(key string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, exists := crl.ipLimiters[key]
	crl.ipMu.RUnlock()
	if exists {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	if entry, exists = crl.ipLimiters[key]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[key] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTick.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTick.Stop()
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

// Stop halts the cleanup goroutine. Call during shutdown.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
