package mcphttp

import "sync"

// sessionRegistry maps live session identifiers to channels. Each handler
// owns exactly one instance; nothing is shared across handlers or processes.
//
// Handlers mutate the registry in two places only: the channel initialization
// hook inserts, and the channel close hook removes. The lookup and the
// delegate call that follows it are deliberately not atomic as a pair; a
// channel closed in that window rejects the operation itself.
type sessionRegistry[C any] struct {
	mu sync.Mutex
	m  map[string]C
}

func newSessionRegistry[C any]() *sessionRegistry[C] {
	return &sessionRegistry[C]{m: make(map[string]C)}
}

func (r *sessionRegistry[C]) lookup(id string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.m[id]
	return ch, ok
}

// insert registers ch under id. A duplicate id fails with ErrSessionExists:
// the live channel keeps its entry and the caller's channel never enters the
// registry.
func (r *sessionRegistry[C]) insert(id string, ch C) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; ok {
		return ErrSessionExists
	}
	r.m[id] = ch
	return nil
}

// remove deletes the entry for id and reports whether it was present. Safe to
// call more than once; only the first call for a given id does anything.
func (r *sessionRegistry[C]) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; !ok {
		return false
	}
	delete(r.m, id)
	return true
}

func (r *sessionRegistry[C]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
