// Package upstream provides the OpenWeather REST client with:
// - Per-attempt timeouts
// - Retries with exponential backoff
// - Response decoding (gzip, brotli)
// - Standardized error parsing (cod, 429, 5xx)
package upstream

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"weatherpi/internal/core"
	"weatherpi/internal/httpclient"
)

// maxBodySize bounds decoded response bodies (compression bomb protection).
const maxBodySize = 4 * 1024 * 1024

// Attempt results reported to the Observer.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Config holds configuration for the upstream client
type Config struct {
	// BaseURL is the API base URL, e.g. https://api.openweathermap.org/data/2.5
	BaseURL string
	// APIKey is sent as the appid query parameter
	APIKey string

	// Timeout bounds each attempt
	Timeout time.Duration

	// Retry configuration
	MaxRetries     int           // Maximum number of retry attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 10s)
	BackoffFactor  float64       // Backoff multiplier (default: 2.0)
}

// DefaultConfig returns default client configuration
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Observer receives per-attempt outcomes, typically for metrics.
type Observer interface {
	ObserveUpstreamAttempt(endpoint, result string, duration time.Duration)
	ObserveUpstreamRetry(endpoint string)
}

// Client fetches weather data and implements core.Fetcher.
// Only the final outcome of a Fetch is visible to callers.
type Client struct {
	httpClient *http.Client
	config     Config
	observer   Observer
}

// New creates a client with a transport tuned to config.Timeout.
func New(config Config, observer Observer) *Client {
	cfg := httpclient.DefaultConfig(config.Timeout)
	return NewWithHTTPClient(httpclient.NewHTTPClient(&cfg), config, observer)
}

// NewWithHTTPClient creates a client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, observer Observer) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 2.0
	}
	return &Client{
		httpClient: httpClient,
		config:     config,
		observer:   observer,
	}
}

// Fetch performs the upstream call for req, retrying transient failures.
// Retryable failures are network errors, timeouts, 408, 429 and 5xx; any
// other provider error is returned immediately.
func (c *Client) Fetch(ctx context.Context, req core.WeatherRequest) ([]byte, error) {
	var lastErr error
	maxAttempts := c.config.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.observer != nil {
				c.observer.ObserveUpstreamRetry(string(req.Endpoint))
			}
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, core.NewUpstreamError(0, "upstream request canceled", false, ctx.Err())
			case <-timer.C:
			}
		}

		start := time.Now()
		body, err := c.doAttempt(ctx, req)
		c.observe(req.Endpoint, err, time.Since(start))
		if err == nil {
			return body, nil
		}

		lastErr = err
		var pe *core.ProxyError
		if !errors.As(err, &pe) || !pe.Retryable {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) observe(endpoint core.Endpoint, err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
		var pe *core.ProxyError
		if errors.As(err, &pe) && pe.Type == core.ErrorTypeUpstreamTimeout {
			result = ResultTimeout
		}
	}
	c.observer.ObserveUpstreamAttempt(string(endpoint), result, d)
}

// doAttempt executes a single HTTP request without retries
func (c *Client) doAttempt(ctx context.Context, req core.WeatherRequest) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseUpstreamError(resp.StatusCode, body)
	}
	return validateBody(body)
}

// transportError classifies a failure to get a complete response.
func (c *Client) transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return core.NewUpstreamError(0, "upstream request canceled", false, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return core.NewUpstreamTimeoutError(c.config.Timeout, err)
	}
	return core.NewUpstreamError(0, "failed to reach weather provider: "+err.Error(), true, err)
}

// buildRequest creates the HTTP request for a normalized weather request
func (c *Client) buildRequest(ctx context.Context, req core.WeatherRequest) (*http.Request, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(req.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(req.Lon, 'f', -1, 64))
	q.Set("units", req.Units)
	if c.config.APIKey != "" {
		q.Set("appid", c.config.APIKey)
	}
	u := strings.TrimRight(c.config.BaseURL, "/") + "/" + string(req.Endpoint) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, core.NewUpstreamError(0, "failed to create upstream request", false, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "br, gzip")
	return httpReq, nil
}

// readBody reads and decodes the response body according to Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBodySize)
	}
	return body, nil
}

// validateBody rejects 200 responses that are not JSON or carry an error cod.
// OpenWeather returns cod as a number for /weather and a string for /forecast.
func validateBody(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewUpstreamError(http.StatusOK, "weather provider returned malformed JSON", true, nil)
	}
	if cod := gjson.GetBytes(body, "cod"); cod.Exists() {
		if code := int(cod.Int()); code != 0 && code != http.StatusOK {
			return nil, core.ParseUpstreamError(code, body)
		}
	}
	return body, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if c.config.MaxBackoff > 0 && backoff > float64(c.config.MaxBackoff) {
		backoff = float64(c.config.MaxBackoff)
	}
	return time.Duration(backoff)
}
