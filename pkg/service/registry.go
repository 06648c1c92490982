package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/servitorhq/servitor/pkg/logging"
)

// Registry holds the supervised services and coordinates their startup and
// shutdown in dependency order.
type Registry struct {
	services map[string]Service
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Health polling knobs, fixed except in tests.
	healthTick    time.Duration
	healthTimeout time.Duration
}

// NewRegistry creates an empty service registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		services:      make(map[string]Service),
		logger:        logger,
		healthTick:    500 * time.Millisecond,
		healthTimeout: 30 * time.Second,
	}
}

// Register adds a service to the registry. Names must be unique.
func (r *Registry) Register(service Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	r.services[name] = service
	r.logger.Info("service registered", "service", name)
	return nil
}

// Get returns a service by name.
func (r *Registry) Get(name string) (Service, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}

	return service, nil
}

// List returns all registered services sorted by name.
func (r *Registry) List() []Service {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make([]Service, 0, len(names))
	for _, name := range names {
		services = append(services, r.services[name])
	}
	return services
}

// StartAll starts every registered service, dependencies first. Each service
// must report healthy before the next one starts. The first failure aborts
// the sequence and is returned to the caller.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(buildDependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for _, name := range order {
		service := r.services[name]
		r.logger.Info("starting service", "service", name)

		if err := service.Start(ctx); err != nil {
			r.logger.WithError(err).Error("service failed to start", "service", name)
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}

		if err := r.waitForHealth(ctx, service); err != nil {
			return err
		}
	}

	return nil
}

// StopAll stops every registered service in reverse start order. Stop errors
// are logged and shutdown continues so one stuck service cannot pin the rest.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(buildDependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		service := r.services[name]
		r.logger.Info("stopping service", "service", name)

		if err := service.Stop(ctx); err != nil {
			r.logger.WithError(err).Error("service failed to stop", "service", name)
		}
	}

	return nil
}

// HealthCheck runs every service's health check and returns the results
// keyed by service name. A nil value means healthy.
func (r *Registry) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error, len(r.services))
	for name, service := range r.services {
		results[name] = service.Health()
	}

	return results
}

// waitForHealth polls a freshly started service until it reports healthy,
// the poll times out, or the context is cancelled.
func (r *Registry) waitForHealth(ctx context.Context, service Service) error {
	if service.Health() == nil {
		return nil
	}

	ticker := time.NewTicker(r.healthTick)
	defer ticker.Stop()

	timeout := time.After(r.healthTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for service %s to become healthy", service.Name())
		case <-ticker.C:
			if err := service.Health(); err == nil {
				return nil
			}
		}
	}
}

func buildDependencyGraph(services map[string]Service) map[string][]string {
	graph := make(map[string][]string)

	for name, service := range services {
		graph[name] = service.Dependencies()
	}

	return graph
}

// topologicalSort orders service names so that every service appears after
// the services it depends on. Dependencies not present in the graph are
// assumed external and ignored. Returns an error on a dependency cycle.
func topologicalSort(graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool)
	temp := make(map[string]bool)
	order := make([]string, 0, len(graph))

	var visit func(node string) error
	visit = func(node string) error {
		if temp[node] {
			return fmt.Errorf("dependency cycle detected involving service %s", node)
		}
		if visited[node] {
			return nil
		}

		temp[node] = true

		for _, dep := range graph[node] {
			if _, exists := graph[dep]; !exists {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		visited[node] = true
		temp[node] = false

		// Post-order visit emits dependencies before their dependents,
		// which is exactly the start order.
		order = append(order, node)

		return nil
	}

	// Iterate in sorted order so start order is deterministic between
	// independent services.
	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}
