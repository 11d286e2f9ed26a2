// Package limits enforces accept-side resource limits for the
// broadcaster, the same "static configuration, emergency brakes, no
// auto-calculation" philosophy as the teacher's internal/shared/limits
// ResourceGuard, adapted from connection-count bookkeeping to
// session-count bookkeeping and from a custom token-bucket rate limiter
// to golang.org/x/time/rate throughout.
package limits

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tjstretchalot/statefulpubsub/internal/platform"
)

// Config is the subset of the broadcaster's configuration the guard
// enforces.
type Config struct {
	MaxSessions        int
	MemoryLimitBytes   int64
	CPURejectThreshold float64
	CPUPauseThreshold  float64
	MaxNotifyRate      int // notifications/sec, across all sessions
}

// ResourceGuard gates new sessions and incoming NOTIFY traffic against
// configured limits plus live CPU/memory samples.
type ResourceGuard struct {
	cfg    Config
	logger zerolog.Logger

	notifyLimiter *rate.Limiter
	cpuMonitor    *platform.CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	currentSessions *int64 // owned by the caller; read via atomic ops
}

// New constructs a ResourceGuard. currentSessions must be updated with
// atomic.AddInt64 by the caller as sessions open and close.
func New(cfg Config, logger zerolog.Logger, currentSessions *int64) *ResourceGuard {
	g := &ResourceGuard{
		cfg:             cfg,
		logger:          logger,
		notifyLimiter:   rate.NewLimiter(rate.Limit(cfg.MaxNotifyRate), cfg.MaxNotifyRate),
		cpuMonitor:      platform.NewCPUMonitor(),
		currentSessions: currentSessions,
	}
	g.currentCPU.Store(float64(0))
	g.currentMemory.Store(int64(0))
	return g
}

// StartMonitoring samples CPU/memory on interval until ctx is cancelled.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := g.cpuMonitor.Percent(); err == nil {
				g.currentCPU.Store(pct)
			} else {
				g.logger.Debug().Err(err).Msg("limits: cpu sample failed")
			}
			if rss, err := platform.ProcessMemoryUsage(); err == nil {
				g.currentMemory.Store(int64(rss))
			} else {
				g.logger.Debug().Err(err).Msg("limits: memory sample failed")
			}
		}
	}
}

// ShouldAcceptSession decides whether a new transport-level connection
// may proceed into the Accepting state (§1's "perform transport
// handshake" step). Checked before a session is ever constructed.
func (g *ResourceGuard) ShouldAcceptSession() (accept bool, reason string) {
	currentSessions := atomic.LoadInt64(g.currentSessions)
	cpu := g.currentCPU.Load().(float64)
	mem := g.currentMemory.Load().(int64)

	if currentSessions >= int64(g.cfg.MaxSessions) {
		return false, fmt.Sprintf("at max sessions (%d)", g.cfg.MaxSessions)
	}
	if cpu > g.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("cpu %.1f%% > reject threshold %.1f%%", cpu, g.cfg.CPURejectThreshold)
	}
	if g.cfg.MemoryLimitBytes > 0 && mem > g.cfg.MemoryLimitBytes {
		return false, "memory limit exceeded"
	}
	return true, "ok"
}

// ShouldThrottleNotify reports whether CPU pressure means NOTIFY
// processing should back off (a finer-grained brake than outright
// rejection, mirroring the teacher's Kafka-pause brake).
func (g *ResourceGuard) ShouldThrottleNotify() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// AllowNotify consults this guard's in-process notify rate limiter. It never
// blocks: a denied notify should surface as ResourceUnavailable (§7)
// rather than stall the caller.
func (g *ResourceGuard) AllowNotify() bool {
	return g.notifyLimiter.Allow()
}
