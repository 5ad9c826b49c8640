package relay

import (
	"errors"
	"sync"
)

var ErrDuplicateRequest = errors.New("request id already pending")

// Pending is the single-fulfillment slot of one in-flight request.
type Pending struct {
	id string
	ch chan string
}

func (p *Pending) ID() string {
	return p.id
}

// Done delivers the reply content once, when the entry is fulfilled.
func (p *Pending) Done() <-chan string {
	return p.ch
}

// Registry maps request ids to pending slots. An entry leaves the registry
// exactly once: either through Fulfill or through Evict.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

func (r *Registry) Register(id string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicateRequest
	}

	p := &Pending{id: id, ch: make(chan string, 1)}
	r.pending[id] = p
	return p, nil
}

// Fulfill completes and removes the entry for id. It reports false when no
// entry exists, either because the waiter already gave up or the id is unknown.
func (r *Registry) Fulfill(id, content string) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Buffered with capacity one and only reachable once, so this never blocks.
	p.ch <- content
	return true
}

// Evict removes the entry for id without fulfilling it. A false return after
// a waiter's deadline means a concurrent Fulfill won and its content is
// already buffered on the waiter's slot.
func (r *Registry) Evict(id string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
