package registry

import "sync"

// TokenState is the lifecycle state of a Token.
type TokenState int

const (
	// Pending means the token has not fired yet.
	Pending TokenState = iota
	// Fired means the token fired; it never returns to Pending.
	Fired
)

func (s TokenState) String() string {
	if s == Fired {
		return "fired"
	}
	return "pending"
}

type observer struct {
	fn func()
}

// Token is a fire-once cancellation signal observed cooperatively by the
// operations serving one forwarded request.
type Token struct {
	mu        sync.Mutex
	state     TokenState
	observers []*observer
	done      chan struct{}
}

// NewToken returns a pending token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Fire moves the token to Fired and runs the registered observers in
// registration order on the calling goroutine. It reports whether this call
// fired the token; later calls do nothing and return false.
func (t *Token) Fire() bool {
	t.mu.Lock()
	if t.state == Fired {
		t.mu.Unlock()
		return false
	}
	t.state = Fired
	obs := t.observers
	t.observers = nil
	close(t.done)
	t.mu.Unlock()

	for _, o := range obs {
		o.fn()
	}
	return true
}

// OnFire registers fn to run when the token fires. If the token has already
// fired, fn runs immediately. The returned stop function deregisters fn; it
// is safe to call more than once.
func (t *Token) OnFire(fn func()) (stop func()) {
	t.mu.Lock()
	if t.state == Fired {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	o := &observer{fn: fn}
	t.observers = append(t.observers, o)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cur := range t.observers {
			if cur == o {
				t.observers = append(t.observers[:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state.
func (t *Token) State() TokenState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fired reports whether the token has fired.
func (t *Token) Fired() bool {
	return t.State() == Fired
}

// Done returns a channel closed when the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
