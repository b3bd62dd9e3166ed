package gateway

import (
	"sort"
	"sync"

	"github.com/chozzz/vargos/pkg/protocol"
)

// serviceEntry pairs a live connection with its declaration.
type serviceEntry struct {
	conn *Conn
	reg  protocol.ServiceRegistration
}

// Registry tracks registered services, method ownership, and event
// subscriptions. Every method name is owned by exactly one connection;
// disconnecting a service removes everything it owned.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry          // service name → entry
	methods  map[string]*Conn                  // method name → owning conn
	subs     map[string]map[*Conn]struct{}     // event name → subscriber conns
	emits    map[string][]string               // service name → declared events
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*serviceEntry),
		methods:  make(map[string]*Conn),
		subs:     make(map[string]map[*Conn]struct{}),
		emits:    make(map[string][]string),
	}
}

// Register records a service declaration under conn. A duplicate service
// name replaces the prior entry; the displaced connection is returned so
// the server can treat it as disconnected. Returns the routing snapshot
// visible after the registration.
func (r *Registry) Register(conn *Conn, reg protocol.ServiceRegistration) (displaced *Conn, snap protocol.RoutingSnapshot) {
	r.mu.Lock()

	if prior, ok := r.services[reg.Service]; ok && prior.conn != conn {
		displaced = prior.conn
		r.removeLocked(prior.conn)
	}

	r.services[reg.Service] = &serviceEntry{conn: conn, reg: reg}
	r.emits[reg.Service] = reg.Events
	for _, m := range reg.Methods {
		r.methods[m] = conn
	}
	for _, e := range reg.Subscriptions {
		set, ok := r.subs[e]
		if !ok {
			set = make(map[*Conn]struct{})
			r.subs[e] = set
		}
		set[conn] = struct{}{}
	}
	conn.setService(reg.Service)

	snap = r.snapshotLocked()
	r.mu.Unlock()
	return displaced, snap
}

// Unregister removes everything owned by conn. Returns the service name
// that was registered on it, or "" if it never registered.
func (r *Registry) Unregister(conn *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.removeLocked(conn)
	return name
}

func (r *Registry) removeLocked(conn *Conn) string {
	var name string
	for svc, entry := range r.services {
		if entry.conn == conn {
			name = svc
			delete(r.services, svc)
			delete(r.emits, svc)
		}
	}
	for m, owner := range r.methods {
		if owner == conn {
			delete(r.methods, m)
		}
	}
	for e, set := range r.subs {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.subs, e)
		}
	}
	return name
}

// Route returns the connection owning a method, or nil.
func (r *Registry) Route(method string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[method]
}

// Subscribers returns the connections subscribed to an event.
func (r *Registry) Subscribers(event string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[event]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// ServiceName returns the registered service name for conn, or "".
func (r *Registry) ServiceName(conn *Conn) string {
	return conn.serviceName()
}

// Snapshot returns the current routing table view.
func (r *Registry) Snapshot() protocol.RoutingSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() protocol.RoutingSnapshot {
	snap := protocol.RoutingSnapshot{
		Services: make([]string, 0, len(r.services)),
		Methods:  make([]string, 0, len(r.methods)),
		Events:   make([]string, 0, len(r.emits)),
	}
	for svc := range r.services {
		snap.Services = append(snap.Services, svc)
	}
	for m := range r.methods {
		snap.Methods = append(snap.Methods, m)
	}
	seen := make(map[string]struct{})
	for _, events := range r.emits {
		for _, e := range events {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			snap.Events = append(snap.Events, e)
		}
	}
	sort.Strings(snap.Services)
	sort.Strings(snap.Methods)
	sort.Strings(snap.Events)
	return snap
}
