// Package health provides health checks for managed services and their
// dependencies.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/servitorhq/servitor/pkg/logging"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the component's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// Check is the result of one health check.
type Check struct {
	// Name is the name of the component being checked.
	Name string
	// Status is the health status of the component.
	Status Status
	// Message provides detail about the status.
	Message string
	// LastChecked is when the check ran.
	LastChecked time.Time
	// Error is the failure that made the check report DOWN, if any.
	Error error
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker performs a single health check.
type Checker func(ctx context.Context) Check

// Registry holds the health checks for the process.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

// NewRegistry creates an empty health check registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		checks: make(map[string]Checker),
		logger: logger,
	}
}

// Register adds a health check under name, replacing any previous one.
func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.checks[name] = checker
	r.logger.Debug("health check registered", "name", name)
}

// Unregister removes a health check.
func (r *Registry) Unregister(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.checks, name)
	r.logger.Debug("health check unregistered", "name", name)
}

// RunChecks runs all registered health checks and returns their results
// keyed by registration name.
func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]Check, len(r.checks))
	for name, checker := range r.checks {
		results[name] = checker(ctx)
	}

	return results
}

// IsHealthy returns true when every registered check reports UP.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	for _, check := range r.RunChecks(ctx) {
		if check.Status != StatusUp {
			return false
		}
	}
	return true
}

// Handler serves the aggregated checks as JSON. The response is 503 when
// any check is DOWN, 200 otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		checks := r.RunChecks(req.Context())

		status := StatusUp
		for _, check := range checks {
			if check.Status == StatusDown {
				status = StatusDown
				break
			}
			if check.Status == StatusUnknown {
				status = StatusUnknown
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		response := struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{
			Status:    status,
			Timestamp: time.Now(),
			Checks:    checks,
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.WithError(err).Error("failed to encode health response")
		}
	})
}

// ServiceChecker builds a Checker for a managed service from its Health
// method.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return newChecker(serviceName, "service "+serviceName, checkFn)
}

// DependencyChecker builds a Checker for an infrastructure dependency such
// as postgres, redis, or the Kafka brokers.
func DependencyChecker(dependencyName string, checkFn func(ctx context.Context) error) Checker {
	return newChecker(dependencyName, "dependency "+dependencyName, checkFn)
}

func newChecker(name, subject string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        name,
			Status:      StatusUnknown,
			LastChecked: time.Now(),
		}

		if err := checkFn(ctx); err != nil {
			check.Status = StatusDown
			check.Error = err
			check.Message = fmt.Sprintf("%s is unhealthy: %v", subject, err)
		} else {
			check.Status = StatusUp
			check.Message = fmt.Sprintf("%s is healthy", subject)
		}

		return check
	}
}
