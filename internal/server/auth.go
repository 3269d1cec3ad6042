package server

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"

	"weatherpi/internal/core"
)

const (
	// TokenHeader carries the shared secret.
	TokenHeader = "X-Proxy-Token"
	// tokenQueryParam is accepted for clients that cannot set headers.
	tokenQueryParam = "proxy_token"
)

// AuthMiddleware creates an Echo middleware that validates the proxy token
// if it's configured. If token is empty, no authentication is required.
// Requests to skipPaths are always allowed.
func AuthMiddleware(token string, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	expected := []byte(token)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" || skip[c.Request().URL.Path] {
				return next(c)
			}

			got := c.Request().Header.Get(TokenHeader)
			if got == "" {
				got = c.QueryParam(tokenQueryParam)
			}
			if got == "" {
				return unauthorized(c, "missing "+TokenHeader+" header")
			}

			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				return unauthorized(c, "invalid proxy token")
			}

			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message string) error {
	err := core.NewAuthenticationError(message)
	return c.JSON(err.HTTPStatusCode(), err.ToJSON())
}
