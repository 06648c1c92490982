// internal/control/dispatcher.go

// Package control is the Kafka control plane: lifecycle commands arrive on
// the command topic and results go back on the result topic.
package control

import (
	"context"

	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/service"
)

// Supported command actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionStatus = "status"
)

// Command is one lifecycle instruction received from the command topic.
type Command struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Action  string `json:"action"`
}

// Result is the reply produced for every command, echoing the command id so
// callers can correlate.
type Result struct {
	ID       string              `json:"id"`
	Service  string              `json:"service"`
	Action   string              `json:"action"`
	Success  bool                `json:"success"`
	Snapshot *lifecycle.Snapshot `json:"snapshot,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Dispatcher resolves commands against the service registry. One command
// maps to one lifecycle operation; a failed operation produces a failure
// result, never an aborted consumer loop.
type Dispatcher struct {
	registry *service.Registry
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *service.Registry, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.WithField("component", "control"),
	}
}

// Dispatch runs one command and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Result {
	result := Result{ID: cmd.ID, Service: cmd.Service, Action: cmd.Action}

	svc, err := d.registry.Get(cmd.Service)
	if err != nil {
		result.Error = errs.ControlErrorf(errs.ControlErrUnknownService,
			"unknown service %s", cmd.Service).Error()
		return result
	}

	switch cmd.Action {
	case ActionStart:
		if err := svc.Start(ctx); err != nil {
			result.Error = err.Error()
			return result
		}
	case ActionStop:
		if err := svc.Stop(ctx); err != nil {
			result.Error = err.Error()
			return result
		}
	case ActionStatus:
		// Nothing to do; the snapshot below is the answer.
	default:
		result.Error = errs.ControlErrorf(errs.ControlErrUnknownAction,
			"unknown action %s", cmd.Action).Error()
		return result
	}

	result.Success = true
	snap := snapshotOf(svc)
	result.Snapshot = &snap

	d.logger.Info("command dispatched",
		"command_id", cmd.ID, "service", cmd.Service, "action", cmd.Action)
	return result
}

// snapshotOf builds a snapshot for any registered service. Lifecycle
// managers report their own; anything else gets a minimal one from Status.
func snapshotOf(svc service.Service) lifecycle.Snapshot {
	if reporter, ok := svc.(interface{ Snapshot() lifecycle.Snapshot }); ok {
		return reporter.Snapshot()
	}
	return lifecycle.Snapshot{
		Service: svc.Name(),
		Status:  svc.Status().Lower(),
		Version: lifecycle.Version,
	}
}
