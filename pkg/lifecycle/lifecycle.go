// Package lifecycle implements the start/stop state machine shared by every
// supervised servitor service. A Manager owns one service's status, its
// optional database and cache dependencies, and hooks for the service's own
// startup and shutdown work. API, control plane, and monitor are all thin
// wrappers around the same Manager.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
	"github.com/servitorhq/servitor/pkg/service"
)

// Version is reported in every status snapshot.
const Version = "1.0.0"

// Manager drives a single service through the lifecycle states. Status and
// start time are guarded for concurrent readers; Start and Stop themselves
// are driven by one caller at a time (the registry or the control plane).
type Manager struct {
	cfg       *config.ServiceConfig
	logger    *logging.Logger
	metrics   *metrics.Metrics
	db        Database
	cache     Cache
	observers []Observer
	deps      []string
	startHook func(ctx context.Context) error
	stopHook  func(ctx context.Context) error

	mu        sync.RWMutex
	status    service.Status
	startedAt time.Time
}

var _ service.Service = (*Manager)(nil)

// New creates a manager in the STOPPED state. cfg is referenced, never
// copied or mutated.
func New(cfg *config.ServiceConfig, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.WithField("component", cfg.Name),
		status: service.StatusStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the managed service's name.
func (m *Manager) Name() string {
	return m.cfg.Name
}

// Dependencies returns the names of services that must start before this one.
func (m *Manager) Dependencies() []string {
	deps := make([]string, len(m.deps))
	copy(deps, m.deps)
	return deps
}

// Start transitions to STARTING, connects the database if one is attached,
// runs the start hook, then transitions to RUNNING and records the start
// time. Any failure leaves the service in ERROR and returns an error that
// wraps the underlying cause. There is no retry and no rollback; a failed
// start leaves already-acquired resources to the next Stop.
func (m *Manager) Start(ctx context.Context) error {
	began := time.Now()
	defer m.observeOperation("start", began)

	m.transition(ctx, service.StatusStarting, "start requested")
	m.logger.Info("service starting", "port", m.cfg.Port)

	if m.db != nil {
		if err := m.db.Connect(ctx); err != nil {
			m.logger.WithError(err).Error("database connection failed")
			m.transition(ctx, service.StatusError, "database connect failed")
			return errs.LifecycleWrapWithCode(err, errs.OpStart, errs.LifecycleErrConnect,
				fmt.Sprintf("connecting database for service %s", m.cfg.Name))
		}
		m.logger.Debug("database connected")
	}

	if m.startHook != nil {
		if err := m.startHook(ctx); err != nil {
			m.logger.WithError(err).Error("start hook failed")
			m.transition(ctx, service.StatusError, "start hook failed")
			return errs.LifecycleWrapWithCode(err, errs.OpStart, errs.LifecycleErrHook,
				fmt.Sprintf("starting service %s", m.cfg.Name))
		}
	}

	m.transition(ctx, service.StatusRunning, "start complete")
	m.logger.Info("service started")
	return nil
}

// Stop transitions to STOPPING regardless of the current state, runs the
// stop hook, closes the database if one is attached, then transitions to
// STOPPED and clears the start time. Teardown always runs to completion:
// a failed stop hook does not skip the database close. The first failure
// is reported and leaves the service in ERROR.
func (m *Manager) Stop(ctx context.Context) error {
	began := time.Now()
	defer m.observeOperation("stop", began)

	m.transition(ctx, service.StatusStopping, "stop requested")
	m.logger.Info("service stopping")

	var hookErr error
	if m.stopHook != nil {
		if hookErr = m.stopHook(ctx); hookErr != nil {
			m.logger.WithError(hookErr).Error("stop hook failed")
		}
	}

	if m.db != nil {
		if err := m.db.Close(ctx); err != nil {
			m.logger.WithError(err).Error("database close failed")
			m.transition(ctx, service.StatusError, "database close failed")
			return errs.LifecycleWrapWithCode(err, errs.OpStop, errs.LifecycleErrDisconnect,
				fmt.Sprintf("closing database for service %s", m.cfg.Name))
		}
		m.logger.Debug("database closed")
	}

	if hookErr != nil {
		m.transition(ctx, service.StatusError, "stop hook failed")
		return errs.LifecycleWrapWithCode(hookErr, errs.OpStop, errs.LifecycleErrHook,
			fmt.Sprintf("stopping service %s", m.cfg.Name))
	}

	m.transition(ctx, service.StatusStopped, "stop complete")
	m.logger.Info("service stopped")
	return nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() service.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Health reports nil only while the service is RUNNING.
func (m *Manager) Health() error {
	if st := m.Status(); st != service.StatusRunning {
		return errs.LifecycleErrorf(errs.LifecycleErrNotRunning,
			"service %s is %s", m.cfg.Name, st.Lower())
	}
	return nil
}

// Snapshot is the status report served over the API and cached by the
// monitor.
type Snapshot struct {
	Service  string `json:"service"`
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Snapshot reports the service state without mutating anything. Uptime is
// whole seconds since the last transition to RUNNING and zero when the
// service is not running. The database and cache labels reflect whether the
// dependency is configured; liveness is the health checkers' job.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	status := m.status
	startedAt := m.startedAt
	m.mu.RUnlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return Snapshot{
		Service:  m.cfg.Name,
		Status:   status.Lower(),
		Uptime:   uptime,
		Version:  Version,
		Database: presenceLabel(m.db != nil),
		Cache:    presenceLabel(m.cache != nil),
	}
}

// transition swaps the status, maintains the start timestamp, and fans the
// change out to metrics and observers. The lock covers only the field swap
// so observers can read the manager without deadlocking.
func (m *Manager) transition(ctx context.Context, to service.Status, reason string) {
	now := time.Now()

	m.mu.Lock()
	from := m.status
	m.status = to
	switch to {
	case service.StatusRunning:
		m.startedAt = now
	case service.StatusStopped:
		m.startedAt = time.Time{}
	}
	m.mu.Unlock()

	m.logger.Debug("state changed", "from", from.Lower(), "to", to.Lower(), "reason", reason)

	if m.metrics != nil {
		m.metrics.RecordTransition(m.cfg.Name, string(from), string(to))
		if to == service.StatusRunning {
			m.metrics.RecordServiceStarted(m.cfg.Name, now)
		}
	}

	t := Transition{Service: m.cfg.Name, From: from, To: to, Reason: reason, At: now}
	for _, o := range m.observers {
		o.ServiceTransitioned(ctx, t)
	}
}

func (m *Manager) observeOperation(op string, began time.Time) {
	if m.metrics != nil {
		m.metrics.ObserveOperationDuration(m.cfg.Name, op, time.Since(began).Seconds())
	}
}

func presenceLabel(present bool) string {
	if present {
		return "connected"
	}
	return "disconnected"
}
