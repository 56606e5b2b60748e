package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestBasicAuth(t *testing.T) {
	e := echo.New()
	e.Use(BasicAuth(map[string]string{"alice": "s3cret"}))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/healthz", ok)
	e.GET("/ai-proxy/v1/models", ok)

	tests := []struct {
		name       string
		path       string
		user, pass string
		wantStatus int
	}{
		{"healthz skips auth", "/healthz", "", "", http.StatusOK},
		{"no credentials", "/ai-proxy/v1/models", "", "", http.StatusUnauthorized},
		{"wrong password", "/ai-proxy/v1/models", "alice", "nope", http.StatusUnauthorized},
		{"unknown user", "/ai-proxy/v1/models", "bob", "s3cret", http.StatusUnauthorized},
		{"valid", "/ai-proxy/v1/models", "alice", "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
