package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cpatterson/weatherdash/internal/cache"
	"github.com/cpatterson/weatherdash/internal/client"
	"github.com/cpatterson/weatherdash/internal/models"
	"github.com/cpatterson/weatherdash/internal/observability"
	"github.com/cpatterson/weatherdash/internal/validation"
)

// Default per-kind cache TTLs. Alerts are never cached.
const (
	DefaultCurrentTTL    = 600 * time.Second
	DefaultForecastTTL   = 1800 * time.Second
	DefaultHistoricalTTL = 3600 * time.Second
)

// Bounds for day-count parameters.
const (
	maxLocationLen    = 128
	minForecastDays   = 1
	maxForecastDays   = 5
	minHistoricalDays = 1
	maxHistoricalDays = 5
)

// TTLPolicy holds the cache TTL per request kind. A zero value for a kind
// disables caching for it.
type TTLPolicy struct {
	Current    time.Duration
	Forecast   time.Duration
	Historical time.Duration
}

// DefaultTTLPolicy returns the standard TTLs: current 600s, forecast 1800s,
// historical 3600s.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Current:    DefaultCurrentTTL,
		Forecast:   DefaultForecastTTL,
		Historical: DefaultHistoricalTTL,
	}
}

// Aggregator orchestrates weather data retrieval using the cache-aside
// pattern with upstream API fallback. Input is validated before cache or
// upstream is touched; cache faults degrade to misses and are never fatal
// to a request. Alerts bypass the cache entirely.
type Aggregator struct {
	client          client.WeatherClient
	cache           cache.Cache
	ttl             TTLPolicy
	stampedeTracker *stampedeTracker
	coalescer       *fetchCoalescer // optional single-flight de-duplication (nil if disabled)
}

// NewAggregator creates an Aggregator with the provided dependencies.
// coalesceTimeout > 0 enables single-flight coalescing of concurrent misses
// for the same key.
func NewAggregator(weatherClient client.WeatherClient, cacheStore cache.Cache, ttl TTLPolicy, coalesceTimeout time.Duration) *Aggregator {
	var coalescer *fetchCoalescer
	if coalesceTimeout > 0 {
		coalescer = newFetchCoalescer(coalesceTimeout)
	}
	return &Aggregator{
		client:          weatherClient,
		cache:           cacheStore,
		ttl:             ttl,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// CurrentByName returns current conditions for a named location.
func (a *Aggregator) CurrentByName(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	loc, err := validation.ValidateLocation(location, maxLocationLen)
	if err != nil {
		return models.WeatherSnapshot{}, err
	}
	key := nameKey(kindCurrent, loc)
	var snap models.WeatherSnapshot
	err = a.lookup(ctx, key, a.ttl.Current, &snap, func() ([]byte, error) {
		result, err := a.client.CurrentByName(ctx, normalizeLocation(loc))
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return snap, err
}

// CurrentByCoords returns current conditions for a coordinate pair.
func (a *Aggregator) CurrentByCoords(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.WeatherSnapshot{}, err
	}
	key := coordsKey(kindCurrent, lat, lon)
	var snap models.WeatherSnapshot
	err := a.lookup(ctx, key, a.ttl.Current, &snap, func() ([]byte, error) {
		result, err := a.client.CurrentByCoords(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return snap, err
}

// ForecastByName returns a chronological forecast for a named location
// covering the given number of days.
func (a *Aggregator) ForecastByName(ctx context.Context, location string, days int) ([]models.ForecastEntry, error) {
	loc, err := validation.ValidateLocation(location, maxLocationLen)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDays(days, minForecastDays, maxForecastDays); err != nil {
		return nil, err
	}
	key := withDays(nameKey(kindForecast, loc), days)
	var entries []models.ForecastEntry
	err = a.lookup(ctx, key, a.ttl.Forecast, &entries, func() ([]byte, error) {
		result, err := a.client.ForecastByName(ctx, normalizeLocation(loc), days)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return entries, err
}

// ForecastByCoords returns a chronological forecast for a coordinate pair.
func (a *Aggregator) ForecastByCoords(ctx context.Context, lat, lon float64, days int) ([]models.ForecastEntry, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if err := validation.ValidateDays(days, minForecastDays, maxForecastDays); err != nil {
		return nil, err
	}
	key := withDays(coordsKey(kindForecast, lat, lon), days)
	var entries []models.ForecastEntry
	err := a.lookup(ctx, key, a.ttl.Forecast, &entries, func() ([]byte, error) {
		result, err := a.client.ForecastByCoords(ctx, lat, lon, days)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return entries, err
}

// Historical returns one snapshot per past day (oldest first) for a
// coordinate pair.
func (a *Aggregator) Historical(ctx context.Context, lat, lon float64, days int) ([]models.WeatherSnapshot, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if err := validation.ValidateDays(days, minHistoricalDays, maxHistoricalDays); err != nil {
		return nil, err
	}
	key := withDays(coordsKey(kindHistorical, lat, lon), days)
	var snaps []models.WeatherSnapshot
	err := a.lookup(ctx, key, a.ttl.Historical, &snaps, func() ([]byte, error) {
		result, err := a.client.Historical(ctx, lat, lon, days)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return snaps, err
}

// Alerts returns active alerts for a coordinate pair. Always live: no cache
// read, no cache write, every call reaches upstream.
func (a *Aggregator) Alerts(ctx context.Context, lat, lon float64) ([]models.Alert, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	key := coordsKey(kindAlerts, lat, lon)
	var alerts []models.Alert
	err := a.lookup(ctx, key, 0, &alerts, func() ([]byte, error) {
		result, err := a.client.Alerts(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	return alerts, err
}

// lookup implements the cache-aside protocol shared by all request kinds:
// cache read (hit returns immediately), miss fetches upstream via the
// coalescer, success writes back with the kind TTL. With ttl == 0 the cache
// is bypassed on both sides. Cache read/write errors are recorded and
// treated as misses; upstream errors propagate without a cache write. The
// fetched or cached payload is unmarshaled into out, so repeated hits for
// the same key decode bit-identical bytes.
func (a *Aggregator) lookup(ctx context.Context, key string, ttl time.Duration, out interface{}, fetch func() ([]byte, error)) error {
	start := time.Now()
	logger := loggerFromContext(ctx)
	kind := keyKind(key)
	observability.RecordQuery(kind)

	cacheable := ttl > 0
	if cacheable {
		getStart := time.Now()
		cached, ok, err := a.cache.Get(ctx, key)
		getDuration := time.Since(getStart).Seconds()
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		} else if ok {
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
			decodeErr := json.Unmarshal(cached, out)
			if decodeErr == nil {
				observability.CacheHitsTotal.WithLabelValues(kind).Inc()
				if logger != nil {
					logger.Debug("cache hit", zap.String("key", key))
					logger.Debug("request served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
				}
				return nil
			}
			// An undecodable entry behaves as a miss; the fetch below
			// overwrites it.
			observability.CacheErrorsTotal.WithLabelValues("get", "decode").Inc()
			if logger != nil {
				logger.Warn("cached payload undecodable, refetching", zap.String("key", key), zap.Error(decodeErr))
			}
		}

		concurrentMisses := a.stampedeTracker.RecordMiss(key)
		defer a.stampedeTracker.RecordResolved(key)
		if concurrentMisses > 1 {
			observability.CacheStampedeDetectedTotal.WithLabelValues(kind).Inc()
			observability.CacheStampedeConcurrency.WithLabelValues(kind).Observe(float64(concurrentMisses))
		}

		if logger != nil {
			logger.Debug("cache miss, fetching upstream", zap.String("key", key))
		}
	}

	var payload []byte
	var upstreamErr error
	if a.coalescer != nil {
		coalesceStart := time.Now()
		payload, upstreamErr = a.coalescer.GetOrDo(ctx, key, fetch)
		coalesceWait := time.Since(coalesceStart)
		if upstreamErr == nil {
			// A non-trivial wait means this caller piggybacked on another
			// caller's fetch rather than initiating one (approximate).
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(kind).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		payload, upstreamErr = fetch()
	}
	if upstreamErr != nil {
		return fmt.Errorf("fetch %s: %w", key, upstreamErr)
	}

	if cacheable {
		setStart := time.Now()
		if setErr := a.cache.Set(ctx, key, payload, ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
			observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
			if logger != nil {
				logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
			}
		} else {
			observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
		}
	}
	if logger != nil {
		logger.Debug("request served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return json.Unmarshal(payload, out)
}

// categorizeCacheError returns a stable label for cache error metrics
// (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
