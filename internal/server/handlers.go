// Package server provides HTTP handlers and server setup for the weather proxy.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"weatherpi/internal/core"
)

// Response metadata headers.
const (
	HeaderCache       = "X-Cache"
	HeaderCacheAge    = "X-Cache-Age"
	HeaderCacheSource = "X-Cache-Source"
	HeaderDegraded    = "X-Degraded"
)

// Envelope wraps the provider's JSON with cache metadata.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Cache CacheInfo       `json:"cache"`
}

// CacheInfo describes how a response was produced.
type CacheInfo struct {
	Status     core.CacheStatus `json:"status"`
	Fresh      bool             `json:"fresh"`
	Degraded   bool             `json:"degraded"`
	AgeSeconds int64            `json:"age_seconds"`
	Source     core.Source      `json:"source"`
	StoredAt   time.Time        `json:"stored_at"`
}

// Handler holds the HTTP handlers
type Handler struct {
	proxy        core.Proxy
	defaultUnits string
}

// NewHandler creates a new handler with the given proxy
func NewHandler(proxy core.Proxy, defaultUnits string) *Handler {
	return &Handler{
		proxy:        proxy,
		defaultUnits: defaultUnits,
	}
}

// Weather handles GET /api/weather
func (h *Handler) Weather(c echo.Context) error {
	return h.serve(c, core.EndpointWeather)
}

// Forecast handles GET /api/forecast
func (h *Handler) Forecast(c echo.Context) error {
	return h.serve(c, core.EndpointForecast)
}

func (h *Handler) serve(c echo.Context, endpoint core.Endpoint) error {
	req, err := core.ParseWeatherRequest(endpoint,
		c.QueryParam("lat"), c.QueryParam("lon"), c.QueryParam("units"), h.defaultUnits)
	if err != nil {
		return handleError(c, err)
	}

	res, err := h.proxy.Handle(c.Request().Context(), c.RealIP(), req)
	if err != nil {
		return handleError(c, err)
	}

	age := int64(res.Age / time.Second)
	header := c.Response().Header()
	header.Set(HeaderCache, string(res.Status))
	header.Set(HeaderCacheAge, strconv.FormatInt(age, 10))
	header.Set(HeaderCacheSource, string(res.Source))
	header.Set(HeaderDegraded, strconv.FormatBool(res.Degraded))

	return c.JSON(http.StatusOK, Envelope{
		Data: res.Body,
		Cache: CacheInfo{
			Status:     res.Status,
			Fresh:      res.Fresh(),
			Degraded:   res.Degraded,
			AgeSeconds: age,
			Source:     res.Source,
			StoredAt:   res.StoredAt.UTC(),
		},
	})
}

// Health handles GET /health and GET /api/health. A degraded proxy answers 503.
func (h *Handler) Health(c echo.Context) error {
	health := h.proxy.Health(c.Request().Context())
	status := http.StatusOK
	if health.Status != core.HealthOK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

// handleError converts errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var proxyErr *core.ProxyError
	if errors.As(err, &proxyErr) {
		if proxyErr.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", retryAfterSeconds(proxyErr.RetryAfter))
		}
		return c.JSON(proxyErr.HTTPStatusCode(), proxyErr.ToJSON())
	}

	slog.Error("unhandled error",
		"error", err,
		"path", c.Request().URL.Path,
		"request_id", core.GetRequestID(c.Request().Context()),
	)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}

// retryAfterSeconds rounds up so clients never retry too early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// httpErrorHandler renders echo's own errors (unknown route, wrong method)
// in the proxy's error format.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = handleError(c, err) //nolint:errcheck
		return
	}

	var perr *core.ProxyError
	switch he.Code {
	case http.StatusNotFound:
		perr = core.NewNotFoundError("route not found: " + c.Request().URL.Path)
	case http.StatusMethodNotAllowed:
		perr = &core.ProxyError{
			Type:       core.ErrorTypeValidation,
			Message:    "method not allowed",
			StatusCode: http.StatusMethodNotAllowed,
		}
	default:
		if he.Code >= http.StatusInternalServerError {
			_ = handleError(c, err) //nolint:errcheck
			return
		}
		perr = &core.ProxyError{
			Type:       core.ErrorTypeValidation,
			Message:    http.StatusText(he.Code),
			StatusCode: he.Code,
		}
	}
	_ = handleError(c, perr) //nolint:errcheck
}
