package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// ErrServiceNotFound is returned when a service key is not registered.
var ErrServiceNotFound = errors.New("service not found")

// Registry holds the monitored services in registration order.
type Registry struct {
	mu       sync.RWMutex
	services map[string]model.Service
	order    []string
}

// New creates an empty service registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]model.Service),
	}
}

// Register adds a service to the registry.
func (r *Registry) Register(svc model.Service) error {
	if err := svc.Validate(); err != nil {
		return fmt.Errorf("invalid service: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[svc.Key]; exists {
		return fmt.Errorf("service %q already registered", svc.Key)
	}
	r.services[svc.Key] = svc
	r.order = append(r.order, svc.Key)
	return nil
}

// Get returns a service by key.
func (r *Registry) Get(key string) (model.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[key]
	if !ok {
		return model.Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	return svc, nil
}

// All returns every service in registration order.
func (r *Registry) All() []model.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Service, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.services[key])
	}
	return out
}

// ByMode returns services with the given tracking mode, in registration order.
func (r *Registry) ByMode(mode model.TrackingMode) []model.Service {
	var out []model.Service
	for _, svc := range r.All() {
		if svc.Mode == mode {
			out = append(out, svc)
		}
	}
	return out
}

// API returns the API-backed services.
func (r *Registry) API() []model.Service { return r.ByMode(model.ModeAPI) }

// Manual returns the manually tracked services.
func (r *Registry) Manual() []model.Service { return r.ByMode(model.ModeManual) }

// Keys returns service keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
