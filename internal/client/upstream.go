// Package client provides the upstream HTTP client for the fixed origin.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

const (
	userAgent = "relay-proxy-go/1.0"

	// requestContentType is the only content type sent upstream; request
	// headers are not passed through.
	requestContentType = "application/json"
)

// UpstreamClient sends requests to the upstream origin.
type UpstreamClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// Only dialing is bounded by a timeout; a response body may stay open for
// as long as the origin streams it. The metrics parameter is optional; pass
// nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		baseURL:    u,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}, nil
}

// CloseIdleConnections closes pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// URL builds the upstream URL for a path relative to the proxy prefix.
func (c *UpstreamClient) URL(path, rawQuery string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// Probe issues a HEAD request and reports whether the origin answered 2xx.
func (c *UpstreamClient) Probe(ctx context.Context, path, rawQuery string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL(path, rawQuery), http.NoBody)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Do sends method to path with a fixed JSON content type. body may be nil.
// The provided context controls the whole lifetime of the upstream call,
// body included: cancelling it tears down the upstream connection.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(ctx context.Context, method, path, rawQuery string, body []byte) (*model.UpstreamResponse, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, rawQuery), rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", requestContentType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if err != nil {
		return nil, err
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

func (c *UpstreamClient) do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed by the caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// ReadPayload decides once, from the content type, whether resp is an event
// stream. Streams are returned unread; anything else is read fully and its
// body closed.
func ReadPayload(resp *model.UpstreamResponse) (model.Payload, error) {
	if model.IsEventStream(resp.ContentType) {
		return model.Streaming{Chunks: resp.Body}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return model.Buffered{Data: data}, nil
}
