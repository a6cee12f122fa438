package kv

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxPercentageUsage is the threshold at which the guard restricts writes.
const maxPercentageUsage = 80

// SpaceState is the operating mode of the disk-space guard.
type SpaceState uint32

const (
	// SpaceNormal permits all operations.
	SpaceNormal SpaceState = iota
	// SpaceRestricted permits reads and deletions only. Deletions stay
	// allowed so the store can shrink back below the threshold.
	SpaceRestricted
)

// UsageFunc reports the store's current data footprint in bytes. Engines
// that cannot report usage pass nil, which disables the guard.
type UsageFunc func() uint64

// SpaceGuard implements graceful degradation when the store approaches its
// configured space limit. Rather than letting the storage engine abruptly
// fail writes, the guard flips to read-and-deletion-only mode at 80% of the
// limit and back once usage drops below it. Transitions happen at
// transaction boundaries only.
type SpaceGuard struct {
	limit       uint64
	usage       UsageFunc
	state       atomic.Uint32
	log         *zap.Logger
	transitions prometheus.Counter
}

// SpaceGuardOptions configure a guard.
type SpaceGuardOptions struct {
	// Limit is max_allowed_space_usage in bytes; 0 disables the guard.
	Limit uint64
	// Usage reports current footprint; nil disables the guard.
	Usage UsageFunc
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
	// Registry optionally receives the transition counter.
	Registry prometheus.Registerer
}

// NewSpaceGuard builds a guard. A zero limit or nil usage function yields a
// guard that always reports SpaceNormal.
func NewSpaceGuard(opts SpaceGuardOptions) *SpaceGuard {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	g := &SpaceGuard{
		limit: opts.Limit,
		usage: opts.Usage,
		log:   log,
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vela_space_guard_transitions_total",
			Help: "Number of disk-space guard state transitions.",
		}),
	}
	if opts.Registry != nil {
		opts.Registry.MustRegister(g.transitions)
	}
	if g.limit > 0 && g.usage != nil {
		log.Info("disk space guard enabled", zap.Uint64("limit_bytes", g.limit))
	} else {
		log.Info("disk space guard disabled")
	}
	return g
}

// Enabled reports whether the guard is active.
func (g *SpaceGuard) Enabled() bool {
	return g != nil && g.limit > 0 && g.usage != nil
}

// State returns the cached mode without re-evaluating usage.
func (g *SpaceGuard) State() SpaceState {
	if !g.Enabled() {
		return SpaceNormal
	}
	return SpaceState(g.state.Load())
}

// UsagePercent returns current usage as a percentage of the limit.
func (g *SpaceGuard) UsagePercent() uint8 {
	if !g.Enabled() {
		return 0
	}
	return uint8(float64(g.usage()) / float64(g.limit) * 100.0)
}

// Evaluate re-reads usage and updates the mode, logging transitions. Called
// at transaction boundaries.
func (g *SpaceGuard) Evaluate() SpaceState {
	if !g.Enabled() {
		return SpaceNormal
	}
	pct := g.UsagePercent()
	next := SpaceNormal
	if pct >= maxPercentageUsage {
		next = SpaceRestricted
	}
	prev := SpaceState(g.state.Swap(uint32(next)))
	if prev != next {
		g.transitions.Inc()
		switch next {
		case SpaceRestricted:
			g.log.Warn("disk space usage crossed the restriction threshold",
				zap.Uint8("usage_percent", pct),
				zap.Uint64("limit_bytes", g.limit))
			g.log.Warn("transitioning to read-and-deletion-only mode")
		case SpaceNormal:
			g.log.Warn("disk space usage dropped below the restriction threshold",
				zap.Uint8("usage_percent", pct),
				zap.Uint64("limit_bytes", g.limit))
			g.log.Warn("transitioning to normal mode")
		}
	}
	return next
}
