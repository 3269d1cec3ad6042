package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weatherpi/internal/admin"
	"weatherpi/internal/core"
)

// DefaultMetricsEndpoint is used when the configured path is empty or unusable.
const DefaultMetricsEndpoint = "/metrics"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	ProxyToken        string              // Optional: shared secret expected in X-Proxy-Token
	TrustProxyHeaders bool                // Take the client IP from X-Forwarded-For / X-Real-IP
	DefaultUnits      string              // Units used when a request omits them
	MetricsEnabled    bool                // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint   string              // HTTP path for metrics endpoint (default: /metrics)
	MetricsGatherer   prometheus.Gatherer // Registry served on the metrics endpoint (default: prometheus.DefaultGatherer)
}

// New creates a new HTTP server
func New(proxy core.Proxy, administrator core.Administrator, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	if cfg.TrustProxyHeaders {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	handler := NewHandler(proxy, cfg.DefaultUnits)
	adminHandler := admin.NewHandler(administrator)

	// Build list of paths that skip authentication
	authSkipPaths := []string{"/health", "/api/health"}

	metricsPath := ""
	if cfg.MetricsEnabled {
		metricsPath = resolveMetricsPath(cfg.MetricsEndpoint)
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
				slog.String("client_ip", v.RemoteIP),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				level = slog.LevelError
			}
			slog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Authentication (skips public paths)
	if cfg.ProxyToken != "" {
		e.Use(AuthMiddleware(cfg.ProxyToken, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	e.GET("/api/health", handler.Health)
	if cfg.MetricsEnabled {
		gatherer := cfg.MetricsGatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API routes
	e.GET("/api/weather", handler.Weather)
	e.GET("/api/forecast", handler.Forecast)

	// Admin routes
	e.POST("/api/cache/clear", adminHandler.ClearCache)
	e.POST("/api/circuit-breaker/reset", adminHandler.ResetCircuitBreaker)
	e.GET("/api/status", adminHandler.Status)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// resolveMetricsPath normalizes the configured metrics path. Paths under /api
// would shadow or be shadowed by proxy routes, so they fall back to the default.
func resolveMetricsPath(endpoint string) string {
	if endpoint == "" {
		return DefaultMetricsEndpoint
	}
	// Normalize path to prevent traversal attacks
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/health" || p == "/api" || strings.HasPrefix(p, "/api/") {
		slog.Warn("metrics endpoint conflicts with proxy routes, using default",
			"configured", endpoint,
			"path", DefaultMetricsEndpoint,
		)
		return DefaultMetricsEndpoint
	}
	return p
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
