package service

import (
	"strconv"
	"strings"
)

// Request kind prefixes for cache keys and per-kind metrics.
const (
	kindCurrent    = "current"
	kindForecast   = "forecast"
	kindHistorical = "history"
	kindAlerts     = "alerts"
)

// coordPrecision is the number of decimal places used when a coordinate pair
// becomes part of a cache key. Four decimals is roughly 11 meters, so
// semantically identical points share a key instead of fanning out into
// unbounded raw-float key cardinality.
const coordPrecision = 4

// normalizeLocation normalizes location strings by trimming whitespace and
// converting to lowercase, so logically identical requests always produce
// the same cache key.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}

// nameKey builds a cache key for a named-location request.
func nameKey(kind, location string) string {
	return kind + ":name:" + normalizeLocation(location)
}

// coordsKey builds a cache key for a coordinate request at fixed precision.
func coordsKey(kind string, lat, lon float64) string {
	return kind + ":coords:" + coordToken(lat) + "," + coordToken(lon)
}

// withDays appends a day-count parameter to a cache key.
func withDays(key string, days int) string {
	return key + ":" + strconv.Itoa(days)
}

func coordToken(v float64) string {
	return strconv.FormatFloat(v, 'f', coordPrecision, 64)
}

// keyKind returns the request-kind prefix of a cache key, for metric labels.
func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}
