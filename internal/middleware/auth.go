package middleware

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BasicAuth returns an Echo middleware that requires HTTP basic credentials
// matching one of users (name to password) on every route except /healthz.
func BasicAuth(users map[string]string) echo.MiddlewareFunc {
	return echomw.BasicAuthWithConfig(echomw.BasicAuthConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/healthz"
		},
		Validator: func(user, password string, _ echo.Context) (bool, error) {
			want, ok := users[user]
			if !ok {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(password), []byte(want)) == 1, nil
		},
		Realm: "relay-proxy",
	})
}
