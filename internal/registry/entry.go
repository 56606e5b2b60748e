package registry

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Entry is the in-flight state of one forwarded request. The downstream
// transport is known at creation; upstream handles are attached as they
// become available.
type Entry struct {
	ID        string
	CreatedAt time.Time

	conn net.Conn

	mu         sync.Mutex
	response   io.Closer
	stream     io.ReadCloser
	released   bool
	connClosed bool
}

// NewEntry creates an entry for id. conn is the raw downstream transport and
// may be nil when it is not reachable (tests, non-TCP listeners).
func NewEntry(id string, conn net.Conn) *Entry {
	return &Entry{ID: id, CreatedAt: time.Now(), conn: conn}
}

// Conn returns the downstream transport, or nil.
func (e *Entry) Conn() net.Conn {
	return e.conn
}

// SetResponse records the upstream response body. If the entry was already
// released the body is closed and false is returned.
func (e *Entry) SetResponse(body io.Closer) bool {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		_ = body.Close()
		return false
	}
	e.response = body
	e.mu.Unlock()
	return true
}

// SetStream records the upstream chunk stream. If the entry was already
// released the stream is closed and false is returned.
func (e *Entry) SetStream(rc io.ReadCloser) bool {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		_ = rc.Close()
		return false
	}
	e.stream = rc
	e.mu.Unlock()
	return true
}

// Release closes every upstream handle the entry holds. Only the first call
// has an effect.
func (e *Entry) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	stream, response := e.stream, e.response
	e.mu.Unlock()

	var err error
	if stream != nil {
		err = multierr.Append(err, stream.Close())
	}
	if response != nil {
		err = multierr.Append(err, response.Close())
	}
	return err
}

// Released reports whether Release has been called.
func (e *Entry) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// ForceClose hard-closes the downstream transport, bypassing any graceful
// completion of the response. It is a no-op without a transport or after the
// first call.
func (e *Entry) ForceClose() error {
	if e.conn == nil {
		return nil
	}
	e.mu.Lock()
	if e.connClosed {
		e.mu.Unlock()
		return nil
	}
	e.connClosed = true
	e.mu.Unlock()
	return e.conn.Close()
}
