package squeezer

import "sync"

// pending is one in-flight logical list query: the callback awaiting its
// pages and the identity of the calling context that owns it.
type pending struct {
	fn    ItemsFunc
	owner any
}

// Registry tracks asynchronous requests awaiting a reply.
//
// When a request is issued, its callback is stored here under a fresh
// correlation id, which is embedded in the outbound command and echoed by
// the server. When the final page of the reply arrives the entry is
// completed and removed. When the calling context that owns callbacks goes
// away, CancelOwner removes every entry it registered. A reply whose id
// has no entry is silently dropped by the caller.
//
// The registry is the only state shared between caller goroutines and the
// response-processing goroutine; all operations, including the monotonic
// id allocation, share its lock.
type Registry struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]pending
}

// NewRegistry returns an empty registry. Correlation ids start at 1 so
// that a response line missing its correlationid tag, which parses as id
// zero, can never match a live entry.
func NewRegistry() *Registry {
	return &Registry{nextID: 1, entries: make(map[int]pending)}
}

// Register stores fn under a fresh correlation id and returns the id for
// embedding in the outbound command. owner identifies the calling context
// for CancelOwner.
func (r *Registry) Register(fn ItemsFunc, owner any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.entries[id] = pending{fn: fn, owner: owner}
	return id
}

// Lookup returns the callback registered under id without removing it,
// for dispatching an intermediate page.
func (r *Registry) Lookup(id int) (ItemsFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	return p.fn, ok
}

// Complete atomically removes and returns the entry registered under id.
// It reports false if the id was already completed or cancelled; such
// late or duplicate responses are expected under cancellation races and
// are not an error.
func (r *Registry) Complete(id int) (ItemsFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return p.fn, ok
}

// CancelOwner removes every entry registered by owner and returns the
// removed correlation ids. This is purely local bookkeeping: no wire
// message is sent, and responses still in flight for the removed ids are
// dropped on arrival.
func (r *Registry) CancelOwner(owner any) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for id, p := range r.entries {
		if p.owner == owner {
			delete(r.entries, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
