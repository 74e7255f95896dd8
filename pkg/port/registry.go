package port

import (
	"fmt"
	"sync"

	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Registry maps identities to ports. Structural changes take the write
// lock; lookups on the relay path take the read lock. The registry lock is
// never held while a queue lock is taken, except by Teardown.
type Registry struct {
	mu       sync.RWMutex
	ports    map[types.Identity]*Port
	tornDown bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ports: make(map[types.Identity]*Port)}
}

// Register allocates a port for id. The port is fully constructed before it
// becomes visible to Lookup.
func (r *Registry) Register(id types.Identity) (*Port, error) {
	p := newPort(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tornDown {
		return nil, types.NewError(types.ErrCodeUnavailable, "registry is torn down")
	}
	if _, exists := r.ports[id]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("identity %s is already registered", id))
	}
	r.ports[id] = p
	return p, nil
}

// Lookup returns the port registered under id, if any
func (r *Registry) Lookup(id types.Identity) (*Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[id]
	return p, ok
}

// Deregister removes p and drains its inbound queue. Packets already handed
// to the relay from the outbound queue are still delivered.
// It returns the number of undelivered inbound packets that were discarded.
func (r *Registry) Deregister(p *Port) (int, error) {
	if p == nil {
		return 0, types.NewError(types.ErrCodeInvalidArgument, "port is nil")
	}

	r.mu.Lock()
	current, ok := r.ports[p.identity]
	if !ok || current != p {
		r.mu.Unlock()
		return 0, types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("port %s is not registered", p.identity))
	}
	delete(r.ports, p.identity)
	p.released.Store(true)
	r.mu.Unlock()

	return p.inbound.Drain(), nil
}

// SetNotification binds s to the inbound queue of p
func (r *Registry) SetNotification(p *Port, s notify.Signal) error {
	if p == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "port is nil")
	}
	if p.Released() {
		return types.NewError(types.ErrCodeUnavailable,
			fmt.Sprintf("port %s is deregistered", p.identity))
	}
	return p.SetNotification(s)
}

// Len returns the number of registered ports
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}

// Ports returns a snapshot of the registered ports
func (r *Registry) Ports() []*Port {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Port, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	return out
}

// Teardown deregisters every port, drains both queues and refuses further
// registrations. It returns the number of ports released.
func (r *Registry) Teardown() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.ports)
	for id, p := range r.ports {
		p.released.Store(true)
		p.inbound.Drain()
		p.outbound.Drain()
		delete(r.ports, id)
	}
	r.tornDown = true
	return n
}
