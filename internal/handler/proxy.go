package handler

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/service"
)

// ProxyHandler forwards requests under the proxy prefix to the upstream origin.
type ProxyHandler struct {
	forwarder       *service.Forwarder
	requestIDHeader string
	logger          *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(f *service.Forwarder, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder:       f,
		requestIDHeader: cfg.Proxy.RequestIDHeader,
		logger:          logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and writes the upstream answer back, streaming
// event streams chunk by chunk.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	fr := &model.ForwardRequest{
		Method:    req.Method,
		Path:      "/" + c.Param("*"),
		RawQuery:  req.URL.RawQuery,
		RequestID: req.Header.Get(h.requestIDHeader),
	}

	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		fr.Body = body
	}

	return h.forwarder.Forward(req.Context(), fr, &echoDownstream{c: c})
}

// gatewayError answers a failed upstream call with a 502 and a short reason.
func gatewayError(c echo.Context, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
