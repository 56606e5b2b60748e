// Package service implements the forwarding engine and the cancellation
// endpoint.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/dustin/go-humanize"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/registry"
	"relay-proxy-go/internal/relay"
)

// ErrCancelled is the cause attached to an upstream call aborted by its
// cancellation token.
var ErrCancelled = errors.New("forwarded request cancelled")

// Downstream is the client side of one forwarded request.
type Downstream interface {
	// Conn returns the raw client transport, or nil when unavailable.
	Conn() net.Conn
	// WriteStatus answers with a bare status code.
	WriteStatus(code int) error
	// WriteBuffered writes a complete response once.
	WriteBuffered(status int, contentType string, body []byte) error
	// OpenStream commits event-stream headers and hands the response over
	// to the returned sink.
	OpenStream(status int) (relay.Sink, error)
	// WriteGatewayError answers a failed upstream call.
	WriteGatewayError(err error) error
}

// Forwarder relays requests to the upstream origin and keeps the registry in
// step with every way a request can end.
type Forwarder struct {
	client  *client.UpstreamClient
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
	bufSize int
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(c *client.UpstreamClient, reg *registry.Registry, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  c,
		reg:     reg,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
		bufSize: cfg.Proxy.StreamBufferBytes,
	}
}

// Forward relays fr upstream and answers on down. ctx is the inbound request
// context; its cancellation is treated as a client disconnect.
//
// Errors already answered to the client (gateway errors, failed relays) are
// not returned; the returned error is a failure to write the response.
func (f *Forwarder) Forward(ctx context.Context, fr *model.ForwardRequest, down Downstream) error {
	if fr.Method == http.MethodHead {
		return f.probe(ctx, fr, down)
	}

	token := registry.NewToken()
	entry := registry.NewEntry(fr.RequestID, down.Conn())
	release := func(cause registry.Cause) bool {
		if fr.RequestID == "" {
			return false
		}
		return f.reg.Unregister(fr.RequestID, entry, cause)
	}
	if fr.RequestID != "" {
		f.reg.Register(fr.RequestID, entry, token)
	}

	upCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	token.OnFire(func() { cancel(ErrCancelled) })

	stopWatch := context.AfterFunc(ctx, func() {
		token.Fire()
		_ = entry.Release()
		if release(registry.CauseDisconnected) {
			f.logger.Info("client disconnected", "request_id", fr.RequestID)
		}
	})
	defer stopWatch()

	var body []byte
	if fr.Method == http.MethodPost {
		body = fr.Body
	}

	resp, err := f.client.Do(upCtx, fr.Method, fr.Path, fr.RawQuery, body)
	if err != nil {
		return f.fail(fr, token, release, down, err)
	}
	if !entry.SetResponse(resp.Body) {
		return f.aborted(fr, release)
	}

	payload, err := client.ReadPayload(resp)
	if err != nil {
		return f.fail(fr, token, release, down, err)
	}

	switch p := payload.(type) {
	case model.Streaming:
		return f.stream(fr, token, entry, release, down, resp.StatusCode, p)
	case model.Buffered:
		if token.Fired() {
			return f.aborted(fr, release)
		}
		err := down.WriteBuffered(resp.StatusCode, resp.ContentType, p.Data)
		release(registry.CauseCompleted)
		return err
	default:
		release(registry.CauseFailed)
		return down.WriteGatewayError(errors.New("unknown upstream payload"))
	}
}

func (f *Forwarder) stream(fr *model.ForwardRequest, token *registry.Token, entry *registry.Entry,
	release func(registry.Cause) bool, down Downstream, status int, p model.Streaming,
) error {
	if !entry.SetStream(p.Chunks) || token.Fired() {
		_ = p.Chunks.Close()
		return f.aborted(fr, release)
	}

	sink, err := down.OpenStream(status)
	if err != nil {
		_ = p.Chunks.Close()
		release(registry.CauseFailed)
		return err
	}

	r := relay.New(p.Chunks, token, relay.WithBufferSize(f.bufSize))
	outcome, err := r.Attach(sink)
	stats := r.Stats()

	cause := registry.CauseCompleted
	switch outcome {
	case relay.OutcomeAborted:
		cause = registry.CauseCancelled
	case relay.OutcomeError:
		cause = registry.CauseFailed
		f.logger.Warn("stream relay failed", "err", err, "request_id", fr.RequestID, "path", fr.Path)
	}
	release(cause)

	if f.metrics != nil {
		f.metrics.RelayOutcomes.WithLabelValues(outcome.String()).Inc()
		f.metrics.RelayedBytes.Add(float64(stats.Bytes))
	}
	f.logger.Debug("stream finished",
		"request_id", fr.RequestID,
		"outcome", outcome.String(),
		"chunks", stats.Chunks,
		"bytes", humanize.Bytes(uint64(stats.Bytes)),
	)
	return nil
}

// fail handles an upstream call that returned an error. Errors caused by the
// token are cancellations and produce no response.
func (f *Forwarder) fail(fr *model.ForwardRequest, token *registry.Token, release func(registry.Cause) bool, down Downstream, err error) error {
	if token.Fired() || errors.Is(err, ErrCancelled) {
		return f.aborted(fr, release)
	}
	f.logger.Error("proxy error",
		"err", err,
		"request_id", fr.RequestID,
		"path", fr.Path,
	)
	release(registry.CauseFailed)
	return down.WriteGatewayError(err)
}

func (f *Forwarder) aborted(fr *model.ForwardRequest, release func(registry.Cause) bool) error {
	f.logger.Info("request aborted", "request_id", fr.RequestID, "path", fr.Path)
	release(registry.CauseCancelled)
	return nil
}

// probe answers a liveness probe without registering anything.
func (f *Forwarder) probe(ctx context.Context, fr *model.ForwardRequest, down Downstream) error {
	ok, err := f.client.Probe(ctx, fr.Path, fr.RawQuery)
	if err != nil {
		f.logger.Warn("upstream probe failed", "err", err)
	}
	if ok {
		return down.WriteStatus(http.StatusOK)
	}
	return down.WriteStatus(http.StatusInternalServerError)
}
