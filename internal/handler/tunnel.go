package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"relay-proxy-go/internal/config"
)

// TunnelRouter sends requests under its prefix to a bare upstream server,
// protocol upgrades included. Tunnel traffic bypasses the app and its
// middleware.
type TunnelRouter struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// NewTunnelRouter creates a TunnelRouter, or returns nil when no tunnel is
// configured.
func NewTunnelRouter(cfg *config.Config, logger *slog.Logger) (*TunnelRouter, error) {
	if cfg.Tunnel.Target == "" {
		return nil, nil
	}
	target, err := url.Parse(cfg.Tunnel.Target)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel target: %w", err)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorLog = slog.NewLogLogger(logger.With("component", "tunnel").Handler(), slog.LevelError)
	logger.Info("tunnel enabled", "prefix", cfg.Tunnel.Prefix, "target", cfg.Tunnel.Target)

	return &TunnelRouter{prefix: cfg.Tunnel.Prefix, proxy: rp}, nil
}

// ShouldRoute reports whether r belongs to the tunnel.
func (t *TunnelRouter) ShouldRoute(r *http.Request) bool {
	if t == nil {
		return false
	}
	return r.URL.Path == t.prefix || strings.HasPrefix(r.URL.Path, t.prefix+"/")
}

func (t *TunnelRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.proxy.ServeHTTP(w, r)
}

// Dispatch returns the server's root handler: tunnel traffic goes to t,
// everything else to app.
func Dispatch(t *TunnelRouter, app http.Handler) http.Handler {
	if t == nil {
		return app
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.ShouldRoute(r) {
			t.ServeHTTP(w, r)
			return
		}
		app.ServeHTTP(w, r)
	})
}
