// Package relay pumps an upstream chunk stream to a downstream sink until the
// stream ends, fails, or is aborted by a cancellation signal.
package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the read buffer used when none is configured.
const DefaultBufferSize = 32 * 1024

// ErrAlreadyAttached is returned by Attach on a relay that already ran.
var ErrAlreadyAttached = errors.New("relay: already attached")

// Outcome is the single terminal event of a relay.
type Outcome int

const (
	// OutcomeClean means the upstream ended and the sink was closed.
	OutcomeClean Outcome = iota + 1
	// OutcomeError means the upstream or the sink failed and the sink was
	// terminated with an error.
	OutcomeError
	// OutcomeAborted means the cancellation signal fired and the sink was
	// closed.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeError:
		return "error"
	case OutcomeAborted:
		return "aborted"
	default:
		return "none"
	}
}

// Signal is a fire-once cancellation source.
type Signal interface {
	OnFire(fn func()) (stop func())
}

// Sink is the downstream side of a relay.
type Sink interface {
	io.Writer
	// Flush pushes written chunks to the client.
	Flush() error
	// Close ends the downstream cleanly.
	Close() error
	// Fail terminates the downstream with an error signal.
	Fail(cause error) error
}

// Stats counts what a relay forwarded.
type Stats struct {
	Chunks int
	Bytes  int64
}

// Option configures a Relay.
type Option func(*Relay)

// WithBufferSize sets the read buffer size.
func WithBufferSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

// Relay forwards chunks from one upstream source to one sink. It emits
// exactly one of the Outcome events and never writes after it.
type Relay struct {
	src     io.ReadCloser
	signal  Signal
	bufSize int

	aborted   atomic.Bool
	attached  atomic.Bool
	closeOnce sync.Once

	chunks atomic.Int64
	bytes  atomic.Int64
}

// New creates a relay reading from src and observing signal.
func New(src io.ReadCloser, signal Signal, opts ...Option) *Relay {
	r := &Relay{src: src, signal: signal, bufSize: DefaultBufferSize}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach relays to dst until a terminal event and returns it. The error is
// the upstream or downstream failure for OutcomeError, nil otherwise.
func (r *Relay) Attach(dst Sink) (Outcome, error) {
	if !r.attached.CompareAndSwap(false, true) {
		return 0, ErrAlreadyAttached
	}

	stop := r.signal.OnFire(r.abort)
	defer stop()

	buf := make([]byte, r.bufSize)
	for {
		n, err := r.src.Read(buf)
		if r.aborted.Load() {
			return r.finish(dst, OutcomeAborted, nil)
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return r.finish(dst, OutcomeError, werr)
			}
			if ferr := dst.Flush(); ferr != nil {
				return r.finish(dst, OutcomeError, ferr)
			}
			r.chunks.Add(1)
			r.bytes.Add(int64(n))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return r.finish(dst, OutcomeClean, nil)
		default:
			return r.finish(dst, OutcomeError, err)
		}
	}
}

// Aborted reports whether the cancellation signal reached the relay.
func (r *Relay) Aborted() bool {
	return r.aborted.Load()
}

// Stats returns what has been forwarded so far.
func (r *Relay) Stats() Stats {
	return Stats{Chunks: int(r.chunks.Load()), Bytes: r.bytes.Load()}
}

// abort runs on the signalling goroutine. Closing the source unblocks a
// pending Read; the pump then performs the terminal close itself, so the
// sink keeps a single writer.
func (r *Relay) abort() {
	r.aborted.Store(true)
	r.releaseSource()
}

func (r *Relay) releaseSource() {
	r.closeOnce.Do(func() { _ = r.src.Close() })
}

func (r *Relay) finish(dst Sink, o Outcome, cause error) (Outcome, error) {
	r.releaseSource()
	if o == OutcomeError {
		_ = dst.Fail(cause)
		return o, cause
	}
	_ = dst.Close()
	return o, nil
}
