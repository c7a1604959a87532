// Package scheduler runs the periodic housekeeping of the signaling core:
// negotiation and transfer sweeps, stale connection cleanup, expired
// credential cleanup and the stats log.
package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/telemetry"
	"github.com/tether-project/tether/internal/transfer"
	"github.com/tether-project/tether/internal/util"
)

const (
	// maintenanceInterval is how often expired sessions and tokens are purged.
	maintenanceInterval = time.Hour
	// resourceCheckInterval is how often disk and memory headroom is checked.
	resourceCheckInterval = 5 * time.Minute
)

// ExpiredCleaner purges expired credentials.
type ExpiredCleaner interface {
	CleanExpired(ctx context.Context) (int64, error)
}

// Pruner drops idle per-client state, such as rate limiter buckets.
type Pruner interface {
	Prune() int
}

// Deps are the components the scheduler maintains. Store and Limiter may be nil.
type Deps struct {
	Registry  *network.Registry
	Peers     *peer.Engine
	Transfers *transfer.Tracker
	Store     ExpiredCleaner
	Limiter   Pruner
	Metrics   *telemetry.Metrics
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs every task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	sig := s.cfg.GetSignaling()

	s.logger.Info().
		Int("peer_sweep_sec", sig.PeerSweepIntervalSec).
		Int("stale_sweep_sec", sig.StaleSweepIntervalSec).
		Int("stats_sec", sig.StatsIntervalSec).
		Msg("scheduler started")

	go s.every(ctx, seconds(sig.PeerSweepIntervalSec), s.sweepNegotiations)
	go s.every(ctx, seconds(sig.StaleSweepIntervalSec), s.sweepStale)
	go s.every(ctx, seconds(sig.StatsIntervalSec), s.collectStats)
	go s.every(ctx, maintenanceInterval, s.runMaintenance)
	go s.every(ctx, resourceCheckInterval, s.checkResources)

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// every runs fn on each tick. A non-positive interval disables the task.
func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepNegotiations expires stale pending records, drops disconnected ones
// and evicts transfer sessions past their TTL.
func (s *Scheduler) sweepNegotiations(_ context.Context) {
	expired, removed := s.deps.Peers.Sweep()
	evicted := s.deps.Transfers.Sweep()

	if expired > 0 || removed > 0 || evicted > 0 {
		s.logger.Info().
			Int("peers_expired", expired).
			Int("peers_removed", removed).
			Int("transfers_evicted", evicted).
			Msg("negotiation sweep completed")
	}

	s.refreshGauges()
}

// sweepStale closes connections that stopped sending.
func (s *Scheduler) sweepStale(_ context.Context) {
	timeout := seconds(s.cfg.GetSignaling().StaleConnectionSec)
	if timeout > 0 {
		if n := s.deps.Registry.CleanStale(timeout); n > 0 {
			s.logger.Info().Int("closed", n).Dur("timeout", timeout).Msg("stale connections closed")
		}
	}

	if s.deps.Limiter != nil {
		if n := s.deps.Limiter.Prune(); n > 0 {
			s.logger.Debug().Int("pruned", n).Msg("rate limiter buckets pruned")
		}
	}
}

// runMaintenance purges expired sessions and one-time tokens.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}

	n, err := s.deps.Store.CleanExpired(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to clean expired credentials")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("expired credentials removed")
	}
}

// collectStats refreshes the gauges and logs a snapshot of the runtime.
func (s *Scheduler) collectStats(_ context.Context) {
	peers := s.deps.Peers.Stats()
	registry := s.deps.Registry

	byTransport := registry.CountByTransport()

	s.refreshGauges()

	s.logger.Info().
		Int("connections", registry.Count()).
		Int("tcp", byTransport[network.TransportTCP]).
		Int("websocket", byTransport[network.TransportWebSocket]).
		Int("online_users", registry.UserCount()).
		Int("peers_pending", peers.Pending).
		Int("peers_accepted", peers.TargetAccepted).
		Int("peers_connected", peers.Connected).
		Int("transfers", s.deps.Transfers.Count()).
		Msg("runtime stats")
}

// checkResources warns when the disk holding the database or host memory
// runs low.
func (s *Scheduler) checkResources(_ context.Context) {
	usage := util.GetResourceUsage(filepath.Dir(s.cfg.Database.Path))

	s.logger.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Float64("disk_percent", usage.DiskPercent).
		Uint64("disk_free_gb", usage.DiskFreeGB).
		Int("goroutines", usage.Goroutines).
		Msg("resource usage")

	if level := alertLevel(usage.DiskPercent); level != "" {
		s.logger.Warn().
			Str("level", level).
			Uint64("free_gb", usage.DiskFreeGB).
			Msgf("disk usage at %.1f%%", usage.DiskPercent)
	}
	if level := alertLevel(usage.MemoryPercent); level != "" {
		s.logger.Warn().
			Str("level", level).
			Uint64("used_mb", usage.MemoryUsedMB).
			Msgf("memory usage at %.1f%%", usage.MemoryPercent)
	}
}

// alertLevel maps a utilisation percentage to an alert level. Below 80% there
// is nothing to report.
func alertLevel(percent float64) string {
	switch {
	case percent >= 100:
		return "critical"
	case percent >= 95:
		return "error"
	case percent >= 90:
		return "warning"
	case percent >= 80:
		return "info"
	default:
		return ""
	}
}

func (s *Scheduler) refreshGauges() {
	m := s.deps.Metrics
	m.SetPeerStates(s.deps.Peers.Stats().ByState())
	m.SetTransferSessions(s.deps.Transfers.Count())
	m.SetOnlineUsers(s.deps.Registry.UserCount())
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
