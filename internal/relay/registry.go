package relay

import "sync"

// Sender delivers one pre-encoded frame to a single live transport.
//
// Send must not block; it reports false when the frame was dropped (queue
// full or transport already closing). Failed sends are never retried.
type Sender interface {
	Send(frame []byte) bool
}

// Registry maps connection ids to their live transport handles. It owns only
// the id -> handle association; room membership lives in the RoomTable, keyed
// by connection id, so neither side holds a reference into the other.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Sender)}
}

func (r *Registry) Register(connID string, s Sender) {
	r.mu.Lock()
	r.conns[connID] = s
	r.mu.Unlock()
}

func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Send delivers frame to connID. It reports false when the target is unknown
// (already disconnected) or its transport dropped the frame.
func (r *Registry) Send(connID string, frame []byte) bool {
	r.mu.RLock()
	s, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Send(frame)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
