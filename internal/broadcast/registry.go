package broadcast

import (
	"sync"
	"time"
)

// Registry tracks active polling clients for heartbeat bookkeeping. It is an
// owned instance with an explicit lifecycle, not a package-level singleton.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	conns map[string]time.Time
	done  chan struct{}
	once  sync.Once
	now   func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:   ttl,
		conns: make(map[string]time.Time),
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// WithClock overrides the registry's clock. Tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = r.now()
}

// Heartbeat refreshes a connection's deadline; false means the connection was
// unknown (swept or never registered) and the client should re-register.
func (r *Registry) Heartbeat(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.conns[connID] = r.now()
	return true
}

func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Sweep drops connections whose last heartbeat is older than the TTL and
// returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for id, seen := range r.conns {
		if seen.Before(cutoff) {
			delete(r.conns, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on the given interval until Shutdown.
func (r *Registry) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown stops the sweep loop and drains all entries.
func (r *Registry) Shutdown() {
	r.once.Do(func() { close(r.done) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]time.Time)
}
