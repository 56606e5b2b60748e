package handler

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/relay"
)

// echoDownstream answers one forwarded request through an echo context.
type echoDownstream struct {
	c echo.Context
}

func (d *echoDownstream) Conn() net.Conn {
	return connFrom(d.c.Request().Context())
}

func (d *echoDownstream) WriteStatus(code int) error {
	return d.c.NoContent(code)
}

func (d *echoDownstream) WriteBuffered(status int, contentType string, body []byte) error {
	res := d.c.Response()
	if contentType != "" {
		res.Header().Set(echo.HeaderContentType, contentType)
	}
	res.WriteHeader(status)
	_, err := res.Write(body)
	return err
}

func (d *echoDownstream) OpenStream(status int) (relay.Sink, error) {
	res := d.c.Response()
	h := res.Header()
	h.Set(echo.HeaderContentType, model.EventStreamType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(status)

	s := &httpSink{
		res:  res,
		rc:   http.NewResponseController(res.Writer),
		conn: d.Conn(),
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *echoDownstream) WriteGatewayError(err error) error {
	return gatewayError(d.c, err)
}

// httpSink is the relay's view of a committed event-stream response.
type httpSink struct {
	res  *echo.Response
	rc   *http.ResponseController
	conn net.Conn
}

func (s *httpSink) Write(p []byte) (int, error) {
	return s.res.Write(p)
}

// Flush goes through the underlying writer; echo's own Flush panics when
// flushing is unsupported.
func (s *httpSink) Flush() error {
	return s.rc.Flush()
}

// Close ends the stream normally. The response is finished when the handler
// returns.
func (s *httpSink) Close() error {
	return nil
}

// Fail ends the stream abnormally. The status line is already sent, so the
// only way to signal the error is to drop the connection.
func (s *httpSink) Fail(error) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
