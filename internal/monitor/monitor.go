// internal/monitor/monitor.go

// Package monitor runs the periodic health sweep: it polls the health
// registry, publishes dependency and uptime gauges, and caches each managed
// service's status snapshot for cheap reads.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/health"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
	"github.com/servitorhq/servitor/pkg/service"
)

const snapshotKeyPrefix = "snapshot:"

// Snapshotter is satisfied by services that report lifecycle snapshots,
// which in practice means every lifecycle.Manager.
type Snapshotter interface {
	Snapshot() lifecycle.Snapshot
}

// Monitor sweeps the registry on a fixed interval. Each sweep runs the
// registered health checks, updates the dependency and uptime gauges, and
// writes every service's snapshot JSON into the cache with a TTL so stale
// entries expire on their own.
type Monitor struct {
	registry    *service.Registry
	checks      *health.Registry
	cache       lifecycle.Cache
	metrics     *metrics.Metrics
	logger      *logging.Logger
	serviceName string
	interval    time.Duration
	ttl         time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. cache may be nil, in which case sweeps only update
// metrics.
func New(
	cfg config.MonitorConfig,
	registry *service.Registry,
	checks *health.Registry,
	cache lifecycle.Cache,
	collector *metrics.Metrics,
	logger *logging.Logger,
) *Monitor {
	return &Monitor{
		registry:    registry,
		checks:      checks,
		cache:       cache,
		metrics:     collector,
		logger:      logger.WithField("component", "monitor"),
		serviceName: "monitor",
		interval:    cfg.Interval,
		ttl:         cfg.SnapshotTTL,
	}
}

// Service wraps the monitor in a lifecycle manager so the registry can
// supervise it like everything else.
func (m *Monitor) Service(cfg *config.ServiceConfig, logger *logging.Logger, opts ...lifecycle.Option) *lifecycle.Manager {
	opts = append(opts,
		lifecycle.WithCache(m.cache),
		lifecycle.WithStartHook(m.start),
		lifecycle.WithStopHook(m.stop),
	)
	return lifecycle.New(cfg, logger, opts...)
}

// start launches the sweep loop. The loop gets its own context so it
// outlives the Start call's deadline and stops only when the monitor does.
func (m *Monitor) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// stop cancels the sweep loop and waits for it to drain.
func (m *Monitor) stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("sweep loop started", "interval", m.interval.String(), "snapshot_ttl", m.ttl.String())

	// One sweep immediately so gauges and cached snapshots exist before
	// the first tick.
	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: health checks into gauges, snapshots into the
// uptime gauge and the cache.
func (m *Monitor) Sweep(ctx context.Context) {
	for name, check := range m.checks.RunChecks(ctx) {
		m.metrics.SetDependencyUp(m.serviceName, name, check.Status == health.StatusUp)
		if check.Status != health.StatusUp {
			m.logger.Warn("health check failing", "check", name, "message", check.Message)
		}
	}

	for _, svc := range m.registry.List() {
		reporter, ok := svc.(Snapshotter)
		if !ok {
			continue
		}
		snap := reporter.Snapshot()
		m.metrics.SetServiceUptime(snap.Service, float64(snap.Uptime))
		m.publish(ctx, snap)
	}
}

// publish writes one snapshot into the cache under snapshot:<name>.
func (m *Monitor) publish(ctx context.Context, snap lifecycle.Snapshot) {
	if m.cache == nil {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		m.logger.WithError(err).Error("failed to encode snapshot", "service", snap.Service)
		return
	}

	if err := m.cache.Set(ctx, snapshotKeyPrefix+snap.Service, string(payload), m.ttl); err != nil {
		m.logger.WithError(err).Error("failed to cache snapshot", "service", snap.Service)
	}
}

// CachedSnapshot reads a service's last published snapshot back from the
// cache. A miss means the service was never swept or its entry expired.
func (m *Monitor) CachedSnapshot(ctx context.Context, serviceName string) (lifecycle.Snapshot, error) {
	var snap lifecycle.Snapshot
	if m.cache == nil {
		return snap, errs.CacheErrorf(errs.CacheErrMiss, "no cache configured")
	}

	payload, err := m.cache.Get(ctx, snapshotKeyPrefix+serviceName)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return snap, fmt.Errorf("decoding cached snapshot for %s: %w", serviceName, err)
	}
	return snap, nil
}

// Evict drops a service's cached snapshot, forcing the next read to wait
// for a fresh sweep.
func (m *Monitor) Evict(ctx context.Context, serviceName string) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Delete(ctx, snapshotKeyPrefix+serviceName)
}
