// Package svcregistry provides a minimal service lifecycle registry,
// adapted from the teacher's shared.ServiceRegistry: the validator node
// registers each long-running subsystem here and relies on it for
// ordered startup and shutdown plus aggregated health status.
package svcregistry

import (
	"fmt"
	"reflect"
	"sync"
)

// Service is anything with a start/stop/status lifecycle: the metrics
// server, the beacon node clients, the scheduler, and so on.
type Service interface {
	Start()
	Stop() error
	Status() error
}

// Registry tracks services in registration order and starts/stops them
// in that order (reverse order on shutdown), mirroring the teacher's
// registry semantics.
type Registry struct {
	lock     sync.RWMutex
	services map[reflect.Type]Service
	order    []reflect.Type
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{services: make(map[reflect.Type]Service)}
}

// Register adds a service, keyed by its concrete type. Registering the
// same type twice is a programmer error.
func (r *Registry) Register(service Service) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	kind := reflect.TypeOf(service)
	if _, exists := r.services[kind]; exists {
		return fmt.Errorf("service already registered: %s", kind)
	}
	r.services[kind] = service
	r.order = append(r.order, kind)
	return nil
}

// StartAll starts every registered service in registration order.
func (r *Registry) StartAll() {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, kind := range r.order {
		r.services[kind].Start()
	}
}

// StopAll stops every registered service in reverse registration order,
// collecting (not short-circuiting on) errors.
func (r *Registry) StopAll() []error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.services[r.order[i]].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Statuses returns the current status of every registered service,
// keyed by type name.
func (r *Registry) Statuses() map[string]error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	statuses := make(map[string]error, len(r.order))
	for _, kind := range r.order {
		statuses[kind.String()] = r.services[kind].Status()
	}
	return statuses
}
