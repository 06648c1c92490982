// Package service defines the lifecycle contract every supervised servitor
// component implements, plus a registry that starts and stops a set of
// services in dependency order.
package service

import (
	"context"
	"strings"
)

// Status represents the current state of a service.
type Status string

const (
	// StatusStopped indicates the service is not running.
	StatusStopped Status = "STOPPED"
	// StatusStarting indicates the service is in the process of starting.
	StatusStarting Status = "STARTING"
	// StatusRunning indicates the service is running normally.
	StatusRunning Status = "RUNNING"
	// StatusStopping indicates the service is in the process of stopping.
	StatusStopping Status = "STOPPING"
	// StatusError indicates the service failed to start or stop cleanly.
	// A service in this state stays there until the next Start or Stop call.
	StatusError Status = "ERROR"
)

// Lower returns the status in the lowercase form used by status reports
// and API responses.
func (s Status) Lower() string {
	return strings.ToLower(string(s))
}

// Service is implemented by every supervised component. Start and Stop are
// synchronous; long-running work belongs in goroutines the implementation
// owns.
type Service interface {
	// Name returns the service name used in logs, metrics, and commands.
	Name() string

	// Start brings the service up. On error the service is left in
	// StatusError and the error carries the underlying cause.
	Start(ctx context.Context) error

	// Stop shuts the service down and releases its resources. Stop on an
	// already stopped service is safe.
	Stop(ctx context.Context) error

	// Status returns the current lifecycle state without side effects.
	Status() Status

	// Health returns nil when the service is able to do useful work.
	// The registry polls this after Start before declaring a service up.
	Health() error

	// Dependencies lists service names that must be running before this
	// one starts. Unregistered names are treated as external and skipped.
	Dependencies() []string
}
