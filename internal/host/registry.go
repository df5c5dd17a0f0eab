package host

import "sync"

// registry is the subsystem's live-host index. Hosts join when their
// control node is published during attach and leave at removal, so a
// lookup can only hand out hosts that are still referencable.
type registry struct {
	mu    sync.RWMutex
	hosts map[uint64]*Host
}

func newRegistry() *registry {
	return &registry{hosts: make(map[uint64]*Host)}
}

func (r *registry) add(h *Host) {
	r.mu.Lock()
	r.hosts[h.id] = h
	r.mu.Unlock()
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.hosts, id)
	r.mu.Unlock()
}

func (r *registry) lookup(id uint64) (*Host, bool) {
	r.mu.RLock()
	h, ok := r.hosts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	// Hand out a counted reference, never a bare pointer.
	return h.Get()
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}
