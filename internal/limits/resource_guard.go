// Package limits enforces static resource admission and rate limiting for
// the Ingest Gateway and Signal Log append path: a hard connection cap, a
// CPU/memory emergency brake, a goroutine ceiling, and token-bucket rate
// limiters for per-master packet ingestion and fan-out broadcast.
//
// Philosophy, carried from the teacher design this package is adapted from:
// static configuration, rate limiting, safety valves, no auto-calculation.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradewire/replicator/internal/metrics"
	"github.com/tradewire/replicator/internal/platform"
)

// Config is the static resource configuration for a ResourceGuard.
type Config struct {
	MaxConnections int
	MaxGoroutines  int

	CPULimit    float64
	MemoryLimit int64 // bytes

	CPURejectThreshold float64 // reject new master connections above this %
	CPUPauseThreshold  float64 // pause signal log consumption above this %

	MaxAppendsPerSec    int // Signal Log append rate ceiling
	MaxBroadcastsPerSec int // Fan-out broadcast rate ceiling
}

// GoroutineLimiter bounds concurrent goroutines with a buffered-channel
// semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

// NewGoroutineLimiter builds a limiter allowing up to max concurrent holders.
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to take a slot without blocking.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (gl *GoroutineLimiter) Release() { <-gl.sem }

// Current reports in-use slots.
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }

// ResourceGuard enforces connection admission and rate limits for the hot
// path described in spec §4.1 ("Back-pressure") and §5 ("Shared-resource
// policy").
type ResourceGuard struct {
	config Config
	logger zerolog.Logger

	appendLimiter    *rate.Limiter
	broadcastLimiter *rate.Limiter
	goroutines       *GoroutineLimiter
	cpuMonitor       *platform.CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
	currentConns  *int64
}

// New builds a ResourceGuard. currentConns must point at the caller's live
// connection counter, updated with atomic operations by the caller.
func New(config Config, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		config: config,
		logger: logger,
		appendLimiter: rate.NewLimiter(
			rate.Limit(config.MaxAppendsPerSec), config.MaxAppendsPerSec*2),
		broadcastLimiter: rate.NewLimiter(
			rate.Limit(config.MaxBroadcastsPerSec), config.MaxBroadcastsPerSec*2),
		goroutines:   NewGoroutineLimiter(config.MaxGoroutines),
		cpuMonitor:   platform.NewCPUMonitor(logger),
		currentConns: currentConns,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", rg.cpuMonitor.Mode()).
		Float64("cpu_allocation", rg.cpuMonitor.GetAllocation()).
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Msg("resource guard initialized")

	return rg
}

// ShouldAcceptConnection checks the hard connection limit, CPU/memory
// emergency brakes and goroutine ceiling, in that order, matching spec
// §4.1's hot-path admission discipline.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(rg.currentConns)
	cpu := rg.currentCPU.Load().(float64)
	mem := rg.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	if conns >= int64(rg.config.MaxConnections) {
		metrics.CapacityRejections.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}
	if cpu > rg.config.CPURejectThreshold {
		metrics.CapacityRejections.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpu, rg.config.CPURejectThreshold)
	}
	if rg.config.MemoryLimit > 0 && mem > rg.config.MemoryLimit {
		metrics.CapacityRejections.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}
	if goros > rg.config.MaxGoroutines {
		metrics.CapacityRejections.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, rg.config.MaxGoroutines)
	}
	return true, "OK"
}

// ShouldPauseAppends reports whether Signal Log consumption should pause
// under CPU pressure (spec §5's hot-path backpressure discipline).
func (rg *ResourceGuard) ShouldPauseAppends() bool {
	return rg.currentCPU.Load().(float64) > rg.config.CPUPauseThreshold
}

// AllowAppend rate-limits the Signal Log append path.
func (rg *ResourceGuard) AllowAppend(ctx context.Context) (allow bool, wait time.Duration) {
	reservation := rg.appendLimiter.Reserve()
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// AllowBroadcast rate-limits the Fan-out Distributor's push path.
func (rg *ResourceGuard) AllowBroadcast() bool {
	return rg.broadcastLimiter.Allow()
}

// AcquireGoroutine reserves a goroutine slot; callers must ReleaseGoroutine
// when the goroutine exits.
func (rg *ResourceGuard) AcquireGoroutine() bool { return rg.goroutines.Acquire() }

// ReleaseGoroutine returns a goroutine slot.
func (rg *ResourceGuard) ReleaseGoroutine() { rg.goroutines.Release() }

// UpdateResources refreshes the cached CPU/memory snapshot. Call
// periodically (see StartMonitoring).
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, _, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		rg.logger.Warn().Err(err).Msg("failed to sample cpu usage")
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))
}

// StartMonitoring runs UpdateResources on a ticker until ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				return
			}
		}
	}()
}
