// Package admin provides the operator endpoints: cache clear, circuit breaker
// reset and a status summary.
package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"weatherpi/internal/core"
)

// Response is returned by every admin endpoint.
type Response struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Health  core.HealthStatus `json:"health"`
}

// Handler serves admin API endpoints.
type Handler struct {
	admin core.Administrator
}

// NewHandler creates a new admin API handler.
func NewHandler(admin core.Administrator) *Handler {
	return &Handler{admin: admin}
}

// handleError converts errors to appropriate HTTP responses, matching the
// format used by the main API handlers in the server package.
func handleError(c echo.Context, err error) error {
	var proxyErr *core.ProxyError
	if errors.As(err, &proxyErr) {
		return c.JSON(proxyErr.HTTPStatusCode(), proxyErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}

// ClearCache handles POST /api/cache/clear
func (h *Handler) ClearCache(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.admin.ClearCache(ctx); err != nil {
		slog.Error("cache clear failed", "error", err, "request_id", core.GetRequestID(ctx))
		return handleError(c, err)
	}

	return c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: "cache cleared",
		Health:  h.admin.Health(ctx),
	})
}

// ResetCircuitBreaker handles POST /api/circuit-breaker/reset
func (h *Handler) ResetCircuitBreaker(c echo.Context) error {
	ctx := c.Request().Context()
	h.admin.ResetCircuitBreaker()
	slog.Info("circuit breaker reset by operator", "request_id", core.GetRequestID(ctx))

	return c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: "circuit breaker reset to closed",
		Health:  h.admin.Health(ctx),
	})
}

// Status handles GET /api/status, the token-protected variant of the health
// endpoint. It always answers 200.
func (h *Handler) Status(c echo.Context) error {
	health := h.admin.Health(c.Request().Context())
	return c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: health.Status,
		Health:  health,
	})
}
