package handler

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/registry"
	"relay-proxy-go/internal/service"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:               upstreamURL,
			ConnectTimeoutSeconds: 5,
			IdleConnections:       10,
		},
		Proxy: config.ProxyConfig{
			Prefix:            "/ai-proxy",
			RequestIDHeader:   "X-Request-Id",
			ForceCloseHeader:  "X-Force-Close",
			StreamBufferBytes: 1024,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestApp builds the echo app the way main does, minus middleware.
func newTestApp(t *testing.T, cfg *config.Config) (*echo.Echo, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(cfg.Proxy.Prefix)
	reg := registry.New()

	c, err := client.NewUpstreamClient(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	t.Cleanup(c.CloseIdleConnections)

	fwd := service.NewForwarder(c, reg, cfg, logger, m)
	cn := service.NewCanceller(reg, logger, m)

	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewProxyHandler(fwd, cfg, logger),
		NewCancelHandler(cn, cfg),
		NewHealthHandler(cfg, reg, "test"),
	)
	return e, reg
}

// newTestProxy serves the app on a real listener so connection tracking and
// flushing behave as in production.
func newTestProxy(t *testing.T, upstreamURL string) (*httptest.Server, *registry.Registry) {
	t.Helper()
	e, reg := newTestApp(t, testConfig(upstreamURL))
	srv := httptest.NewUnstartedServer(e)
	srv.Config.ConnContext = ConnContext
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, reg
}

func cancelRequest(t *testing.T, srv *httptest.Server, id string, force bool) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/ai-proxy/cancel/"+id, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if force {
		req.Header.Set("X-Force-Close", "true")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("cancel %s: %v", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(body) != 0 {
		t.Errorf("cancel body = %q, want empty", body)
	}
}

// holdingUpstream sends one event and keeps the stream open until the proxy
// goes away; gone is closed when it does.
func holdingUpstream(gone chan struct{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(gone)
	}))
}

func openStream(t *testing.T, srv *httptest.Server, id string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/ai-proxy/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-Id", id)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}

	br := bufio.NewReader(resp.Body)
	first, err := br.ReadString('\n')
	if err != nil || first != "data: first\n" {
		t.Fatalf("first line = %q, %v", first, err)
	}
	if blank, _ := br.ReadString('\n'); blank != "\n" {
		t.Fatalf("event terminator = %q", blank)
	}
	return resp, br
}

func readAllWithin(t *testing.T, r io.Reader, d time.Duration) (string, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data, err}
	}()
	select {
	case res := <-ch:
		return string(res.data), res.err
	case <-time.After(d):
		t.Fatal("response did not end")
		return "", nil
	}
}

func waitClosed(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s", what)
	}
}

func TestProxyHandler_Buffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("upstream path = %q, want /v1/models", r.URL.Path)
		}
		if r.URL.RawQuery != "limit=5" {
			t.Errorf("upstream query = %q, want limit=5", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()

	e, reg := newTestApp(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/ai-proxy/v1/models?limit=5", http.NoBody)
	req.Header.Set("X-Request-Id", "buf-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Body.String() != `{"data":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestProxyHandler_Streaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"stream":true}` {
			t.Errorf("upstream body = %q", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []string{"data: 1\n\n", "data: 2\n\n"} {
			_, _ = w.Write([]byte(ev))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	e, reg := newTestApp(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/ai-proxy/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	req.Header.Set("X-Request-Id", "st-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	wantHeaders := map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	}
	for k, want := range wantHeaders {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if rec.Body.String() != "data: 1\n\ndata: 2\n\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("expected the stream to be flushed")
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestProxyHandler_UpstreamUnreachable(t *testing.T) {
	e, reg := newTestApp(t, testConfig("http://127.0.0.1:1"))

	req := httptest.NewRequest(http.MethodGet, "/ai-proxy/v1/models", http.NoBody)
	req.Header.Set("X-Request-Id", "down-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream connection failed" {
		t.Errorf("error = %q, want %q", body["error"], "upstream connection failed")
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestProxyHandler_HeadProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %q, want HEAD", r.Method)
		}
	}))
	defer upstream.Close()

	e, _ := newTestApp(t, testConfig(upstream.URL))

	for _, path := range []string{"/ai-proxy", "/ai-proxy/v1/models"} {
		req := httptest.NewRequest(http.MethodHead, path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("HEAD %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestProxyHandler_CancelMidStream(t *testing.T) {
	gone := make(chan struct{})
	upstream := holdingUpstream(gone)
	defer upstream.Close()

	srv, reg := newTestProxy(t, upstream.URL)
	resp, br := openStream(t, srv, "job-1")
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	cancelRequest(t, srv, "job-1", false)

	rest, err := readAllWithin(t, br, 5*time.Second)
	if err != nil {
		t.Errorf("reading after cancel: %v, want clean end of stream", err)
	}
	if rest != "" {
		t.Errorf("received %q after cancel, want nothing", rest)
	}
	waitClosed(t, gone, "upstream did not observe the cancellation")

	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}

	// Cancelling again is a no-op.
	cancelRequest(t, srv, "job-1", false)
}

func TestProxyHandler_ForceCancel(t *testing.T) {
	gone := make(chan struct{})
	upstream := holdingUpstream(gone)
	defer upstream.Close()

	srv, reg := newTestProxy(t, upstream.URL)
	resp, br := openStream(t, srv, "job-2")
	defer func() { _ = resp.Body.Close() }()

	cancelRequest(t, srv, "job-2", true)

	rest, _ := readAllWithin(t, br, 5*time.Second)
	if rest != "" {
		t.Errorf("received %q after force cancel, want nothing", rest)
	}
	waitClosed(t, gone, "upstream did not observe the cancellation")

	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestProxyHandler_ClientDisconnect(t *testing.T) {
	gone := make(chan struct{})
	upstream := holdingUpstream(gone)
	defer upstream.Close()

	srv, reg := newTestProxy(t, upstream.URL)
	resp, _ := openStream(t, srv, "job-3")
	_ = resp.Body.Close()

	waitClosed(t, gone, "upstream did not observe the client disconnect")

	deadline := time.Now().Add(5 * time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestCancelHandler_UnknownID(t *testing.T) {
	e, _ := newTestApp(t, testConfig("http://127.0.0.1:1"))

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/ai-proxy/cancel/does-not-exist", http.NoBody)
		req.Header.Set("X-Force-Close", "true")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body = %q, want empty", rec.Body.String())
		}
	}
}

func TestGatewayError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	if err := gatewayError(c, io.ErrUnexpectedEOF); err != nil {
		t.Fatalf("gatewayError() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
