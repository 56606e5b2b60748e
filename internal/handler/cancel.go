package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/service"
)

// CancelHandler serves the cancellation endpoint.
type CancelHandler struct {
	canceller   *service.Canceller
	forceHeader string
}

// NewCancelHandler creates a CancelHandler.
func NewCancelHandler(cn *service.Canceller, cfg *config.Config) *CancelHandler {
	return &CancelHandler{canceller: cn, forceHeader: cfg.Proxy.ForceCloseHeader}
}

// Handle cancels the request named by the id path parameter. It always
// answers 200 with an empty body, whether or not the id was in flight.
func (h *CancelHandler) Handle(c echo.Context) error {
	force := strings.EqualFold(c.Request().Header.Get(h.forceHeader), "true")
	h.canceller.Cancel(c.Param("id"), force)
	return c.NoContent(http.StatusOK)
}
