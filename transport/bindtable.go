package transport

import (
	"sort"
	"sync"

	"github.com/drblury/chassis/internal/runtime/endpoint"
)

// BindTable is the service → method → endpoint table owned by a transport.
type BindTable struct {
	mu       sync.RWMutex
	services map[string]Methods
}

func NewBindTable() *BindTable {
	return &BindTable{services: make(map[string]Methods)}
}

// Set replaces the methods of service with a copy of methods.
func (b *BindTable) Set(service string, methods Methods) {
	copied := make(Methods, len(methods))
	for name, ep := range methods {
		copied[name] = ep
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[service] = copied
}

// Lookup returns the endpoint of service/method. serviceKnown is true when
// service was bound, even with an empty map.
func (b *BindTable) Lookup(service, method string) (ep endpoint.Endpoint, serviceKnown bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	methods, ok := b.services[service]
	if !ok {
		return nil, false
	}
	return methods[method], true
}

// Services returns the bound service names, sorted.
func (b *BindTable) Services() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the bound method names of service, sorted.
func (b *BindTable) Methods(service string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.services[service]))
	for name := range b.services[service] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
