package lifecycle

import (
	"context"
	"time"

	"github.com/servitorhq/servitor/pkg/service"
)

// Database is the persistence dependency a manager owns. Connect is called
// during Start and Close during Stop. Query and Execute exist for components
// built on top of the manager; the lifecycle itself never issues statements.
type Database interface {
	// Connect establishes the connection. Called once per Start.
	Connect(ctx context.Context) error

	// Close releases the connection. Called once per Stop.
	Close(ctx context.Context) error

	// Query runs a statement that returns rows.
	Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error)

	// Execute runs a statement that returns no rows.
	Execute(ctx context.Context, stmt string, args ...interface{}) error
}

// Cache is the optional caching dependency. The manager only tracks its
// presence for status reports; monitors and handlers use it directly.
type Cache interface {
	// Get returns the value for key. A missing key is an error the
	// implementation maps onto its domain (see internal/cache).
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key for at most ttl. A non-positive ttl
	// stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Transition describes a single state change of a managed service.
type Transition struct {
	Service string         `json:"service"`
	From    service.Status `json:"from"`
	To      service.Status `json:"to"`
	Reason  string         `json:"reason"`
	At      time.Time      `json:"at"`
}

// Observer receives every state transition a manager makes. Observers must
// not block; failures inside an observer never fail the transition itself.
type Observer interface {
	ServiceTransitioned(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, t Transition)

// ServiceTransitioned implements Observer.
func (f ObserverFunc) ServiceTransitioned(ctx context.Context, t Transition) {
	f(ctx, t)
}
