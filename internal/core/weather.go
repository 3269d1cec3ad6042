package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Endpoint names an upstream resource the proxy serves.
type Endpoint string

const (
	EndpointWeather  Endpoint = "weather"
	EndpointForecast Endpoint = "forecast"
)

// Valid reports whether e is a supported endpoint.
func (e Endpoint) Valid() bool {
	return e == EndpointWeather || e == EndpointForecast
}

// DefaultUnits is used when the caller does not pick a unit system.
const DefaultUnits = "metric"

var validUnits = map[string]bool{
	"metric":   true,
	"imperial": true,
	"standard": true,
}

// WeatherRequest is a validated inbound weather or forecast request.
type WeatherRequest struct {
	Endpoint Endpoint
	Lat      float64
	Lon      float64
	Units    string
}

// ParseWeatherRequest validates raw query parameters.
// units may be empty, in which case defaultUnits applies.
func ParseWeatherRequest(endpoint Endpoint, lat, lon, units, defaultUnits string) (WeatherRequest, error) {
	if lat == "" || lon == "" {
		return WeatherRequest{}, NewValidationError("lat and lon parameters required", nil)
	}
	latF, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return WeatherRequest{}, NewValidationError("lat and lon must be valid numbers", err)
	}
	lonF, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return WeatherRequest{}, NewValidationError("lat and lon must be valid numbers", err)
	}
	if units == "" {
		units = defaultUnits
	}
	if units == "" {
		units = DefaultUnits
	}

	req := WeatherRequest{
		Endpoint: endpoint,
		Lat:      latF,
		Lon:      lonF,
		Units:    strings.ToLower(units),
	}
	if err := req.Validate(); err != nil {
		return WeatherRequest{}, err
	}
	return req, nil
}

// Validate checks ranges and enumerations.
func (r WeatherRequest) Validate() error {
	if !r.Endpoint.Valid() {
		return NewValidationError(fmt.Sprintf("unsupported endpoint %q", r.Endpoint), nil)
	}
	if math.IsNaN(r.Lat) || math.IsNaN(r.Lon) || r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
		return NewValidationError("invalid lat/lon coordinates", nil)
	}
	if !validUnits[r.Units] {
		return NewValidationError(fmt.Sprintf("unsupported units %q", r.Units), nil)
	}
	return nil
}

// Normalize rounds coordinates to precision decimal places so nearby
// requests share one cache entry.
func (r WeatherRequest) Normalize(precision int) WeatherRequest {
	scale := math.Pow(10, float64(precision))
	r.Lat = math.Round(r.Lat*scale) / scale
	r.Lon = math.Round(r.Lon*scale) / scale
	// avoid distinct keys for -0 and 0
	if r.Lat == 0 {
		r.Lat = 0
	}
	if r.Lon == 0 {
		r.Lon = 0
	}
	return r
}

// Canonical is the human-readable identity of a normalized request.
func (r WeatherRequest) Canonical() string {
	return fmt.Sprintf("%s?lat=%s&lon=%s&units=%s",
		r.Endpoint,
		strconv.FormatFloat(r.Lat, 'f', -1, 64),
		strconv.FormatFloat(r.Lon, 'f', -1, 64),
		r.Units)
}

// CacheKey derives the cache and in-flight key of a normalized request.
// The key is safe to use as a file name and a Redis key.
func (r WeatherRequest) CacheKey() string {
	return fmt.Sprintf("%s-%016x", r.Endpoint, xxhash.Sum64String(r.Canonical()))
}

// CacheStatus reports whether served data is within its ttl.
type CacheStatus string

const (
	CacheFresh CacheStatus = "fresh"
	CacheStale CacheStatus = "stale"
)

// Source names where a response body came from.
type Source string

const (
	SourceUpstream Source = "upstream"
	SourceMemory   Source = "memory"
	SourceFile     Source = "file"
	SourceRedis    Source = "redis"
)

// Result is a terminal successful outcome of the proxy, possibly degraded.
type Result struct {
	Body     json.RawMessage
	Status   CacheStatus
	Source   Source
	StoredAt time.Time
	Age      time.Duration
	// Degraded is set when stale data stands in for a failed upstream call.
	Degraded bool
}

// Fresh reports whether the body is within its ttl.
func (r *Result) Fresh() bool {
	return r.Status == CacheFresh
}
