package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpatterson/weatherdash/internal/models"
	"github.com/cpatterson/weatherdash/internal/observability"
)

// CurrentWeatherFetcher is implemented by the service layer to fetch current
// weather for a named location. Used by Warmer to avoid a circular dependency
// on the service package.
type CurrentWeatherFetcher interface {
	CurrentByName(ctx context.Context, location string) (models.WeatherSnapshot, error)
}

// Warmer warms the cache by prefetching current weather for a list of
// locations. Prefetching goes through the service layer, so warmed entries
// carry the same keys and TTLs as organic requests.
type Warmer struct {
	fetcher CurrentWeatherFetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher CurrentWeatherFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches current weather for each location concurrently, populating the
// cache via the fetcher. Returns an aggregated error if any location failed.
func (w *Warmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("locations", len(locations)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(locations))
	for _, loc := range locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.CurrentByName(ctx, loc); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("locations", len(locations)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}
