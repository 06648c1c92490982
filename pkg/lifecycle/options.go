package lifecycle

import (
	"context"

	"github.com/servitorhq/servitor/pkg/metrics"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithDatabase attaches the database dependency. The manager connects it
// during Start and closes it during Stop.
func WithDatabase(db Database) Option {
	return func(m *Manager) {
		m.db = db
	}
}

// WithCache attaches the cache dependency.
func WithCache(c Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithStartHook sets the function run after the database connects and before
// the manager reports RUNNING. Services put their listener and consumer
// startup here.
func WithStartHook(fn func(ctx context.Context) error) Option {
	return func(m *Manager) {
		m.startHook = fn
	}
}

// WithStopHook sets the function run when Stop begins, before the database
// closes. Services put their shutdown logic here.
func WithStopHook(fn func(ctx context.Context) error) Option {
	return func(m *Manager) {
		m.stopHook = fn
	}
}

// WithObserver registers an observer for state transitions. May be given
// multiple times; observers are notified in registration order.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

// WithMetrics attaches the metrics collector. Transitions and start/stop
// durations are recorded automatically.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithDependencies declares the services that must be running before this
// one starts. The registry consumes this during StartAll.
func WithDependencies(deps ...string) Option {
	return func(m *Manager) {
		m.deps = append(m.deps, deps...)
	}
}
