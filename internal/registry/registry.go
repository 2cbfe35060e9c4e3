// Package registry maps live connection ids to connections and recycles ids.
package registry

import (
	"fmt"
	"sync"
)

// Registry holds the active connections of one server.
//
// Released ids are reused first-in first-out before new ids are minted, so
// the id space stays dense. An id is either active or queued for reuse, never
// both. Registry is safe for concurrent use.
type Registry[K ~uint32, C any] struct {
	mu     sync.Mutex
	active map[K]C
	free   []K
	next   K
}

func New[K ~uint32, C any]() *Registry[K, C] {
	return &Registry[K, C]{active: make(map[K]C)}
}

// Allocate reserves an id without storing a connection. The id must later be
// passed to Register or Release.
func (r *Registry[K, C]) Allocate() K {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked()
}

func (r *Registry[K, C]) allocateLocked() K {
	if len(r.free) > 0 {
		id := r.free[0]
		r.free = r.free[1:]
		return id
	}
	id := r.next
	r.next++
	return id
}

// Register stores c under an id obtained from Allocate.
func (r *Registry[K, C]) Register(id K, c C) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return fmt.Errorf("registry: id %d already active", id)
	}
	r.active[id] = c
	return nil
}

// Admit allocates an id and stores the connection built for it in one step.
// build runs under the registry lock and must not call back into r.
func (r *Registry[K, C]) Admit(build func(id K) C) (K, C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.allocateLocked()
	c := build(id)
	r.active[id] = c
	return id, c
}

// Release removes id and queues it for reuse. It reports the connection that
// was stored, if any. Releasing an id twice is a no-op.
func (r *Registry[K, C]) Release(id K) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[id]
	if ok {
		delete(r.active, id)
		r.free = append(r.free, id)
	}
	return c, ok
}

// Discard returns an allocated but never registered id to the free queue.
func (r *Registry[K, C]) Discard(id K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return
	}
	for _, f := range r.free {
		if f == id {
			return
		}
	}
	r.free = append(r.free, id)
}

func (r *Registry[K, C]) Lookup(id K) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[id]
	return c, ok
}

// IDs returns a snapshot of active ids in no particular order.
func (r *Registry[K, C]) IDs() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]K, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Values returns a snapshot of active connections in no particular order.
func (r *Registry[K, C]) Values() []C {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]C, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	return out
}

func (r *Registry[K, C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Reset empties the registry and restarts id allocation from zero. It returns
// the connections that were active.
func (r *Registry[K, C]) Reset() []C {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]C, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	r.active = make(map[K]C)
	r.free = nil
	r.next = 0
	return out
}
