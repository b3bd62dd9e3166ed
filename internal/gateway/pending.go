package gateway

import (
	"sync"
	"time"
)

// pendingRequest tracks one in-flight forwarded request. Every
// terminal state (responded, timed out, caller gone, shutdown) removes
// the entry; exactly one of them wins.
type pendingRequest struct {
	caller *Conn
	timer  *time.Timer
}

// pendingTable owns the {request id → caller} state for forwarded
// requests.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// Add registers a forwarded request. onTimeout fires after timeout
// unless the entry is resolved or dropped first.
func (p *pendingTable) Add(id string, caller *Conn, timeout time.Duration, onTimeout func(id string, caller *Conn)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A caller reusing an id overwrites its prior entry; the stale
	// response, if it ever arrives, is dropped.
	if old, ok := p.entries[id]; ok {
		old.timer.Stop()
	}

	entry := &pendingRequest{caller: caller}
	entry.timer = time.AfterFunc(timeout, func() {
		if p.take(id) != nil {
			onTimeout(id, caller)
		}
	})
	p.entries[id] = entry
}

// Resolve removes the entry for id and returns its caller, or nil if
// the request already reached a terminal state.
func (p *pendingTable) Resolve(id string) *Conn {
	entry := p.take(id)
	if entry == nil {
		return nil
	}
	return entry.caller
}

func (p *pendingTable) take(id string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(p.entries, id)
	return entry
}

// DropCaller silently discards all pending requests issued by conn.
func (p *pendingTable) DropCaller(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if entry.caller == conn {
			entry.timer.Stop()
			delete(p.entries, id)
		}
	}
}

// DrainAll removes every entry and hands each (id, caller) pair to fn.
// Used at shutdown to fail pending forwards.
func (p *pendingTable) DrainAll(fn func(id string, caller *Conn)) {
	p.mu.Lock()
	drained := make(map[string]*pendingRequest, len(p.entries))
	for id, entry := range p.entries {
		entry.timer.Stop()
		drained[id] = entry
	}
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for id, entry := range drained {
		fn(id, entry.caller)
	}
}

// Len returns the number of in-flight forwards.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
