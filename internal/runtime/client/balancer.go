package client

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/drblury/chassis/internal/runtime/endpoint"
)

// LoadBalancer selects one endpoint per call. Next never blocks; ok is false
// when the pool is empty.
type LoadBalancer interface {
	Next() (ep endpoint.Endpoint, ok bool)
}

// RoundRobinBalancer cycles through the pool in order.
type RoundRobinBalancer struct {
	pub    Publisher
	cursor atomic.Uint64
}

func RoundRobin(pub Publisher) *RoundRobinBalancer {
	return &RoundRobinBalancer{pub: pub}
}

func (b *RoundRobinBalancer) Next() (endpoint.Endpoint, bool) {
	eps := b.pub.Endpoints()
	if len(eps) == 0 {
		return nil, false
	}
	i := (b.cursor.Add(1) - 1) % uint64(len(eps))
	return eps[i], true
}

// RandomBalancer picks uniformly from the pool. Equal seeds give equal
// selection sequences.
type RandomBalancer struct {
	pub Publisher
	mu  sync.Mutex
	rnd *rand.Rand
}

func Random(pub Publisher, seed int64) *RandomBalancer {
	s := uint64(seed)
	return &RandomBalancer{pub: pub, rnd: rand.New(rand.NewPCG(s, s))}
}

func (b *RandomBalancer) Next() (endpoint.Endpoint, bool) {
	eps := b.pub.Endpoints()
	if len(eps) == 0 {
		return nil, false
	}
	b.mu.Lock()
	i := b.rnd.IntN(len(eps))
	b.mu.Unlock()
	return eps[i], true
}
