package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cpatterson/weatherdash/internal/models"
	"github.com/cpatterson/weatherdash/internal/observability"
)

// WeatherClient abstracts the upstream weather provider. One method per
// logical request kind; all methods respect the context deadline.
type WeatherClient interface {
	CurrentByName(ctx context.Context, location string) (models.WeatherSnapshot, error)
	CurrentByCoords(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error)
	ForecastByName(ctx context.Context, location string, days int) ([]models.ForecastEntry, error)
	ForecastByCoords(ctx context.Context, lat, lon float64, days int) ([]models.ForecastEntry, error)
	Historical(ctx context.Context, lat, lon float64, days int) ([]models.WeatherSnapshot, error)
	Alerts(ctx context.Context, lat, lon float64) ([]models.Alert, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
	errCircuitOpen       = errors.New("circuit breaker open")
)

const (
	currentPath     = "/data/2.5/weather"
	forecastPath    = "/data/2.5/forecast"
	onecallPath     = "/data/3.0/onecall"
	timemachinePath = "/data/3.0/onecall/timemachine"
)

// OpenWeatherClient implements WeatherClient against the OpenWeatherMap API.
// Transient failures are retried with exponential backoff and jitter; a
// circuit breaker (optional) sheds calls when the upstream is persistently
// failing.
type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long the breaker stays open
}

func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewOpenWeatherClientWithRetry(apiKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org"
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// EnableBreaker installs a circuit breaker around upstream calls. Client-side
// outcomes (not found, bad API key, malformed payload) do not count as
// breaker failures; only transport errors, timeouts and 5xx do.
func (c *OpenWeatherClient) EnableBreaker(cfg BreakerConfig) {
	if !cfg.Enabled {
		return
	}
	failures := cfg.FailureThreshold
	if failures == 0 {
		failures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "weather_api",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, ErrLocationNotFound) ||
				errors.Is(err, ErrInvalidAPIKey) ||
				errors.Is(err, ErrMalformedResponse)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordBreakerTransition(name, from.String(), to.String())
		},
	})
}

// CurrentByName fetches current conditions for a named location.
func (c *OpenWeatherClient) CurrentByName(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	params := url.Values{}
	params.Set("q", location)
	var resp currentResponse
	if err := c.getJSON(ctx, currentPath, params, &resp); err != nil {
		return models.WeatherSnapshot{}, err
	}
	return mapCurrent(resp, location)
}

// CurrentByCoords fetches current conditions for a coordinate pair.
func (c *OpenWeatherClient) CurrentByCoords(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error) {
	params := coordParams(lat, lon)
	var resp currentResponse
	if err := c.getJSON(ctx, currentPath, params, &resp); err != nil {
		return models.WeatherSnapshot{}, err
	}
	return mapCurrent(resp, "")
}

// ForecastByName fetches a forecast for a named location covering the given
// number of days. The upstream returns 3-hourly entries, 8 per day.
func (c *OpenWeatherClient) ForecastByName(ctx context.Context, location string, days int) ([]models.ForecastEntry, error) {
	params := url.Values{}
	params.Set("q", location)
	params.Set("cnt", strconv.Itoa(forecastCount(days)))
	var resp forecastResponse
	if err := c.getJSON(ctx, forecastPath, params, &resp); err != nil {
		return nil, err
	}
	return mapForecast(resp, location)
}

// ForecastByCoords fetches a forecast for a coordinate pair.
func (c *OpenWeatherClient) ForecastByCoords(ctx context.Context, lat, lon float64, days int) ([]models.ForecastEntry, error) {
	params := coordParams(lat, lon)
	params.Set("cnt", strconv.Itoa(forecastCount(days)))
	var resp forecastResponse
	if err := c.getJSON(ctx, forecastPath, params, &resp); err != nil {
		return nil, err
	}
	return mapForecast(resp, "")
}

// Historical fetches one snapshot per past day, oldest first. The timemachine
// endpoint serves a single point in time, so this issues one call per day.
func (c *OpenWeatherClient) Historical(ctx context.Context, lat, lon float64, days int) ([]models.WeatherSnapshot, error) {
	now := time.Now().UTC()
	snapshots := make([]models.WeatherSnapshot, 0, days)
	for i := days; i >= 1; i-- {
		dt := now.AddDate(0, 0, -i)
		params := coordParams(lat, lon)
		params.Set("dt", strconv.FormatInt(dt.Unix(), 10))
		var resp timemachineResponse
		if err := c.getJSON(ctx, timemachinePath, params, &resp); err != nil {
			return nil, err
		}
		snap, err := mapTimemachine(resp)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Alerts fetches active alerts for a coordinate pair. An empty slice means no
// active alerts.
func (c *OpenWeatherClient) Alerts(ctx context.Context, lat, lon float64) ([]models.Alert, error) {
	params := coordParams(lat, lon)
	params.Set("exclude", "current,minutely,hourly,daily")
	var resp onecallResponse
	if err := c.getJSON(ctx, onecallPath, params, &resp); err != nil {
		return nil, err
	}
	return mapAlerts(resp), nil
}

// ValidateAPIKey issues a cheap current-weather probe to confirm the key works.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	req, err := c.buildRequest(ctx, currentPath, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// getJSON performs a GET with retry and circuit breaking, decoding the body
// into out on success.
func (c *OpenWeatherClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.callOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return err
		}
	}

	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// callOnce performs a single upstream call, routed through the circuit
// breaker when one is installed.
func (c *OpenWeatherClient) callOnce(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.breaker == nil {
		return c.callAPI(ctx, path, params, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.callAPI(ctx, path, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.WeatherAPICallsTotal.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, errCircuitOpen)
	}
	return err
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, path string, params url.Values, out interface{}) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}

	return false
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// coordParams builds lat/lon query parameters. The upstream accepts full
// float precision; key normalization happens in the service layer, not here.
func coordParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return params
}

// forecastCount converts a day count into the upstream cnt parameter
// (3-hourly entries, 8 per day, capped at the API maximum of 40).
func forecastCount(days int) int {
	cnt := days * 8
	if cnt > 40 {
		cnt = 40
	}
	return cnt
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
