package runtime

import (
	"sync"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
)

// HealthStatus is the serving state of a service or of the whole server.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthServing
	HealthNotServing
)

func (h HealthStatus) String() string {
	switch h {
	case HealthServing:
		return "SERVING"
	case HealthNotServing:
		return "NOT_SERVING"
	default:
		return "UNKNOWN"
	}
}

type serviceHealth struct {
	bound      map[string]bool
	transports map[string]HealthStatus
}

// healthTracker follows server lifecycle events. Services are known from
// the configuration; transports count for a service once it was bound to
// them, whether the binding happened before or after they started serving.
type healthTracker struct {
	mu        sync.RWMutex
	aggregate HealthStatus
	services  map[string]*serviceHealth
	serving   map[string]bool
}

func newHealthTracker(conf *configpkg.Config) *healthTracker {
	h := &healthTracker{
		services: make(map[string]*serviceHealth, len(conf.Server.Services)),
		serving:  make(map[string]bool),
	}
	for name := range conf.Server.Services {
		h.services[name] = &serviceHealth{
			bound:      make(map[string]bool),
			transports: make(map[string]HealthStatus),
		}
	}
	return h
}

func (h *healthTracker) observe(ev LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Kind {
	case LifecycleBound:
		svc, ok := h.services[ev.Service]
		if !ok {
			return
		}
		for _, t := range ev.Transports {
			svc.bound[t] = true
			if h.serving[t] {
				svc.transports[t] = HealthServing
			}
		}
		h.aggregate = h.computeAggregate()
	case LifecycleServing, LifecycleStopped:
		status := HealthServing
		if ev.Kind == LifecycleStopped {
			status = HealthNotServing
		}
		for _, t := range ev.Transports {
			h.serving[t] = status == HealthServing
		}
		for _, svc := range h.services {
			for _, t := range ev.Transports {
				if svc.bound[t] {
					svc.transports[t] = status
				}
			}
		}
		h.aggregate = h.computeAggregate()
	}
}

// computeAggregate is SERVING iff any bound service is served by any
// transport.
func (h *healthTracker) computeAggregate() HealthStatus {
	for _, svc := range h.services {
		for _, status := range svc.transports {
			if status == HealthServing {
				return HealthServing
			}
		}
	}
	return HealthNotServing
}

func (h *healthTracker) Aggregate() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.aggregate
}

// Service returns the status of name and whether it is configured.
func (h *healthTracker) Service(name string) (HealthStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, ok := h.services[name]
	if !ok {
		return HealthUnknown, false
	}
	for _, status := range svc.transports {
		if status == HealthServing {
			return HealthServing, true
		}
	}
	return HealthNotServing, true
}
