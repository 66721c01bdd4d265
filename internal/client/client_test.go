package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cpatterson/weatherdash/internal/observability"
)

const testAPIKey = "test-api-key-12345"

func newTestClient(t *testing.T, serverURL string) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClientWithRetry(testAPIKey, serverURL, 2*time.Second, 3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	return c
}

const currentBody = `{
	"coord": {"lat": 31.5497, "lon": 74.3436},
	"main": {"temp": 34.2, "feels_like": 38.1, "pressure": 1002, "humidity": 48},
	"weather": [{"id": 721, "main": "Haze", "description": "haze"}],
	"wind": {"speed": 3.6, "deg": 120},
	"visibility": 5000,
	"name": "Lahore",
	"dt": 1748779200
}`

func TestNewOpenWeatherClient_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr bool
	}{
		{"valid key", testAPIKey, false},
		{"empty key", "", true},
		{"short key", "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenWeatherClient(tt.apiKey, "", 5*time.Second)
			if tt.wantErr && !errors.Is(err, ErrInvalidAPIKey) {
				t.Errorf("error = %v, want ErrInvalidAPIKey", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error = %v", err)
			}
		})
	}
}

func TestCurrentByName_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != currentPath {
			t.Errorf("path = %q, want %q", r.URL.Path, currentPath)
		}
		q := r.URL.Query()
		if q.Get("q") != "Lahore" {
			t.Errorf("q = %q, want Lahore", q.Get("q"))
		}
		if q.Get("appid") != testAPIKey {
			t.Errorf("appid = %q, want test key", q.Get("appid"))
		}
		if q.Get("units") != "metric" {
			t.Errorf("units = %q, want metric", q.Get("units"))
		}
		w.Write([]byte(currentBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	snap, err := c.CurrentByName(context.Background(), "Lahore")
	if err != nil {
		t.Fatalf("CurrentByName() error = %v", err)
	}

	if snap.Location != "lahore" {
		t.Errorf("Location = %q, want %q", snap.Location, "lahore")
	}
	if snap.Temperature != 34.2 {
		t.Errorf("Temperature = %v, want 34.2", snap.Temperature)
	}
	if snap.Humidity != 48 {
		t.Errorf("Humidity = %d, want 48", snap.Humidity)
	}
	if snap.ConditionCode != 721 {
		t.Errorf("ConditionCode = %d, want 721", snap.ConditionCode)
	}
	if snap.Latitude != 31.5497 || snap.Longitude != 74.3436 {
		t.Errorf("coords = (%v, %v), want (31.5497, 74.3436)", snap.Latitude, snap.Longitude)
	}
	if snap.Timestamp != time.Unix(1748779200, 0).UTC() {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, time.Unix(1748779200, 0).UTC())
	}
}

func TestCurrentByName_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"cod":"404","message":"city not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Atlantis")
	if !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("error = %v, want ErrLocationNotFound", err)
	}
}

func TestCurrentByName_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Lahore")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("error = %v, want ErrInvalidAPIKey", err)
	}
}

func TestCurrentByName_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"main":`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Lahore")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}
}

func TestCurrentByName_MissingRequiredBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "Lahore", "dt": 1748779200}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Lahore")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse for missing main block", err)
	}
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(currentBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	snap, err := c.CurrentByName(context.Background(), "Lahore")
	if err != nil {
		t.Fatalf("CurrentByName() error = %v", err)
	}
	if snap.Temperature != 34.2 {
		t.Errorf("Temperature = %v, want 34.2", snap.Temperature)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (two failures then success)", got)
	}
}

func TestGetJSON_ExhaustedRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Lahore")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("error = %v, want ErrUpstreamFailure", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (retry limit)", got)
	}
}

func TestGetJSON_NoRetryOnNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentByName(context.Background(), "Atlantis")
	if !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("error = %v, want ErrLocationNotFound", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (not-found must not retry)", got)
	}
}

func TestGetJSON_RetriesRateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(currentBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.CurrentByName(context.Background(), "Lahore"); err != nil {
		t.Fatalf("CurrentByName() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestForecastByName_CountAndMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != forecastPath {
			t.Errorf("path = %q, want %q", r.URL.Path, forecastPath)
		}
		if got := r.URL.Query().Get("cnt"); got != "24" {
			t.Errorf("cnt = %q, want 24 (3 days of 3-hourly entries)", got)
		}
		w.Write([]byte(`{
			"city": {"name": "Lahore", "coord": {"lat": 31.5497, "lon": 74.3436}},
			"list": [
				{"dt": 1748779200, "main": {"temp": 30.1, "feels_like": 33.0, "pressure": 1001, "humidity": 55},
				 "weather": [{"id": 800, "description": "clear sky"}],
				 "wind": {"speed": 2.1, "deg": 90}, "visibility": 10000, "pop": 0.2},
				{"dt": 1748790000, "main": {"temp": 32.4, "feels_like": 35.2, "pressure": 1000, "humidity": 50},
				 "weather": [{"id": 801, "description": "few clouds"}],
				 "wind": {"speed": 2.8, "deg": 100}, "visibility": 10000, "pop": 0.1}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	entries, err := c.ForecastByName(context.Background(), "Lahore", 3)
	if err != nil {
		t.Fatalf("ForecastByName() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Location != "lahore" {
		t.Errorf("Location = %q, want %q", entries[0].Location, "lahore")
	}
	if entries[0].PrecipProbability != 0.2 {
		t.Errorf("PrecipProbability = %v, want 0.2", entries[0].PrecipProbability)
	}
	if !entries[0].Timestamp.Before(entries[1].Timestamp) {
		t.Error("entries not in chronological order")
	}
}

func TestForecastByName_EmptyListMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"city": {"name": "Lahore"}, "list": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ForecastByName(context.Background(), "Lahore", 3)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse for empty list", err)
	}
}

func TestHistorical_OneCallPerDay(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != timemachinePath {
			t.Errorf("path = %q, want %q", r.URL.Path, timemachinePath)
		}
		if r.URL.Query().Get("dt") == "" {
			t.Error("missing dt parameter")
		}
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{
			"lat": 31.5497, "lon": 74.3436,
			"data": [{"dt": 1748692800, "temp": 29.5, "feels_like": 31.0, "pressure": 1003,
				"humidity": 60, "uvi": 7.2, "visibility": 8000, "wind_speed": 1.9, "wind_deg": 80,
				"weather": [{"id": 800, "description": "clear sky"}]}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	snaps, err := c.Historical(context.Background(), 31.5497, 74.3436, 3)
	if err != nil {
		t.Fatalf("Historical() error = %v", err)
	}
	if len(snaps) != 3 {
		t.Errorf("snapshots = %d, want 3", len(snaps))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (one per day)", got)
	}
	if snaps[0].UVIndex != 7.2 {
		t.Errorf("UVIndex = %v, want 7.2", snaps[0].UVIndex)
	}
}

func TestAlerts_EmptyIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != onecallPath {
			t.Errorf("path = %q, want %q", r.URL.Path, onecallPath)
		}
		w.Write([]byte(`{"lat": 31.5497, "lon": 74.3436}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	alerts, err := c.Alerts(context.Background(), 31.5497, 74.3436)
	if err != nil {
		t.Fatalf("Alerts() error = %v", err)
	}
	if alerts == nil {
		t.Fatal("Alerts() = nil, want empty slice")
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(alerts))
	}
}

func TestAlerts_Mapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"alerts": [{"sender_name": "PMD", "event": "Heat Advisory",
				"start": 1748779200, "end": 1748822400,
				"description": "Extreme heat expected", "tags": ["Extreme temperature value"]}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	alerts, err := c.Alerts(context.Background(), 31.5497, 74.3436)
	if err != nil {
		t.Fatalf("Alerts() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Event != "Heat Advisory" || a.Sender != "PMD" {
		t.Errorf("alert = %+v, want Heat Advisory from PMD", a)
	}
	if a.Severity != "Extreme temperature value" {
		t.Errorf("Severity = %q, want first tag", a.Severity)
	}
	if !a.Start.Before(a.End) {
		t.Error("alert start must precede end")
	}
}

func TestEnableBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewOpenWeatherClientWithRetry(testAPIKey, srv.URL, 2*time.Second, 1, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	c.EnableBreaker(BreakerConfig{Enabled: true, FailureThreshold: 3, OpenTimeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.CurrentByName(ctx, "Lahore"); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v, want ErrUpstreamFailure", i, err)
		}
	}

	// Breaker is now open; calls fail fast without reaching upstream.
	_, err = c.CurrentByName(ctx, "Lahore")
	if !errors.Is(err, errCircuitOpen) {
		t.Errorf("error = %v, want circuit-open failure", err)
	}
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("error = %v, want ErrUpstreamFailure wrapping", err)
	}
}

func TestEnableBreaker_NotFoundDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewOpenWeatherClientWithRetry(testAPIKey, srv.URL, 2*time.Second, 1, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	c.EnableBreaker(BreakerConfig{Enabled: true, FailureThreshold: 2, OpenTimeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.CurrentByName(ctx, "Atlantis")
		if !errors.Is(err, ErrLocationNotFound) {
			t.Fatalf("call %d error = %v, want ErrLocationNotFound (breaker must stay closed)", i, err)
		}
	}
}

func TestUpstreamErrorsCountedByCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	counter := observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryLocationNotFound))
	before := testutil.ToFloat64(counter)

	c := newTestClient(t, srv.URL)
	if _, err := c.CurrentByName(context.Background(), "Atlantis"); !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("error = %v, want ErrLocationNotFound", err)
	}

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("location_not_found errors recorded = %v, want 1", got)
	}
}

func TestUpstreamErrorsCountedAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	counter := observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryUpstream5xx))
	before := testutil.ToFloat64(counter)

	c := newTestClient(t, srv.URL)
	if _, err := c.CurrentByName(context.Background(), "Lahore"); !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("upstream_5xx errors recorded = %v, want 1 (one per request, not per attempt)", got)
	}
}

func TestForecastCount(t *testing.T) {
	tests := []struct {
		days int
		want int
	}{
		{1, 8},
		{3, 24},
		{5, 40},
		{10, 40},
	}
	for _, tt := range tests {
		if got := forecastCount(tt.days); got != tt.want {
			t.Errorf("forecastCount(%d) = %d, want %d", tt.days, got, tt.want)
		}
	}
}
