// Package registry tracks in-flight forwarded requests and their
// cancellation tokens.
package registry

import (
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Cause describes why an entry left the registry.
type Cause int

const (
	CauseCompleted Cause = iota
	CauseFailed
	CauseDisconnected
	CauseCancelled
	CauseEvicted
	CauseReplaced
)

var causeNames = [...]string{
	CauseCompleted:    "completed",
	CauseFailed:       "failed",
	CauseDisconnected: "disconnected",
	CauseCancelled:    "cancelled",
	CauseEvicted:      "evicted",
	CauseReplaced:     "replaced",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return "unknown"
}

// Option configures a Registry.
type Option func(*Registry)

// WithRemoveHook sets a function called once for every entry removed from the
// registry. It runs outside the registry lock.
func WithRemoveHook(fn func(id string, cause Cause)) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// Registry holds the request map and the cancellation map. Both are keyed by
// request id and always change together.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*Entry
	tokens   map[string]*Token

	onRemove func(id string, cause Cause)
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		requests: make(map[string]*Entry),
		tokens:   make(map[string]*Token),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register records entry and token under id. An in-flight request already
// registered under the same id is cancelled and replaced.
func (r *Registry) Register(id string, entry *Entry, token *Token) {
	r.mu.Lock()
	prevEntry := r.requests[id]
	prevToken := r.tokens[id]
	r.requests[id] = entry
	r.tokens[id] = token
	r.mu.Unlock()

	if prevEntry == nil {
		return
	}
	if prevToken != nil {
		prevToken.Fire()
	}
	_ = prevEntry.Release()
	r.removed(id, CauseReplaced)
}

// Unregister removes id from both maps if it still refers to entry. It
// reports whether this call performed the removal.
func (r *Registry) Unregister(id string, entry *Entry, cause Cause) bool {
	r.mu.Lock()
	if cur, ok := r.requests[id]; !ok || cur != entry {
		r.mu.Unlock()
		return false
	}
	delete(r.requests, id)
	delete(r.tokens, id)
	r.mu.Unlock()

	r.removed(id, cause)
	return true
}

// Take removes id from both maps and returns what was stored. Either value is
// nil when absent, so a second Take for the same id returns nothing.
func (r *Registry) Take(id string, cause Cause) (*Entry, *Token) {
	r.mu.Lock()
	entry, ok := r.requests[id]
	token := r.tokens[id]
	delete(r.requests, id)
	delete(r.tokens, id)
	r.mu.Unlock()

	if ok {
		r.removed(id, cause)
	}
	return entry, token
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.requests[id]
	return e, ok
}

// Token returns the cancellation token registered under id.
func (r *Registry) Token(id string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Len returns the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Sweep evicts entries created more than maxAge before now. Evicted requests
// have their tokens fired and their upstream handles released.
func (r *Registry) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	type stale struct {
		id    string
		entry *Entry
		token *Token
	}

	r.mu.Lock()
	var evicted []stale
	for id, e := range r.requests {
		if now.Sub(e.CreatedAt) > maxAge {
			evicted = append(evicted, stale{id: id, entry: e, token: r.tokens[id]})
			delete(r.requests, id)
			delete(r.tokens, id)
		}
	}
	r.mu.Unlock()

	var err error
	for _, s := range evicted {
		if s.token != nil {
			s.token.Fire()
		}
		err = multierr.Append(err, s.entry.Release())
		r.removed(s.id, CauseEvicted)
	}
	return len(evicted), err
}

func (r *Registry) removed(id string, cause Cause) {
	if r.onRemove != nil {
		r.onRemove(id, cause)
	}
}
