package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cpatterson/weatherdash/internal/cache"
	"github.com/cpatterson/weatherdash/internal/client"
	"github.com/cpatterson/weatherdash/internal/health"
	"github.com/cpatterson/weatherdash/internal/models"
	"github.com/cpatterson/weatherdash/internal/service"
)

// fakeWeatherClient serves canned data, or a fixed error when err is set.
type fakeWeatherClient struct {
	snapshot models.WeatherSnapshot
	forecast []models.ForecastEntry
	history  []models.WeatherSnapshot
	alerts   []models.Alert
	err      error
	keyErr   error
}

func (f *fakeWeatherClient) CurrentByName(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	return f.snapshot, f.err
}

func (f *fakeWeatherClient) CurrentByCoords(ctx context.Context, lat, lon float64) (models.WeatherSnapshot, error) {
	return f.snapshot, f.err
}

func (f *fakeWeatherClient) ForecastByName(ctx context.Context, location string, days int) ([]models.ForecastEntry, error) {
	return f.forecast, f.err
}

func (f *fakeWeatherClient) ForecastByCoords(ctx context.Context, lat, lon float64, days int) ([]models.ForecastEntry, error) {
	return f.forecast, f.err
}

func (f *fakeWeatherClient) Historical(ctx context.Context, lat, lon float64, days int) ([]models.WeatherSnapshot, error) {
	return f.history, f.err
}

func (f *fakeWeatherClient) Alerts(ctx context.Context, lat, lon float64) ([]models.Alert, error) {
	return f.alerts, f.err
}

func (f *fakeWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return f.keyErr
}

func newTestRouter(fc *fakeWeatherClient) *mux.Router {
	agg := service.NewAggregator(fc, cache.NewInMemoryCache(), service.DefaultTTLPolicy(), 0)
	h := NewHandler(agg, fc, &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
		StartTime:        time.Now(),
	}, zap.NewNop())

	r := mux.NewRouter()
	r.HandleFunc("/health", h.GetHealth).Methods("GET")
	r.HandleFunc("/weather/coords", h.GetCurrentByCoords).Methods("GET")
	r.HandleFunc("/weather/{location}", h.GetCurrentByName).Methods("GET")
	r.HandleFunc("/forecast/coords", h.GetForecastByCoords).Methods("GET")
	r.HandleFunc("/forecast/{location}", h.GetForecastByName).Methods("GET")
	r.HandleFunc("/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/alerts", h.GetAlerts).Methods("GET")
	return r
}

func doRequest(t *testing.T, router *mux.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, rec.Body.String())
	}
	return body.Error.Code
}

func TestGetCurrentByName_OK(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{snapshot: models.WeatherSnapshot{Location: "lahore", Temperature: 34.2}}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/weather/Lahore")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var snap models.WeatherSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.Location != "lahore" || snap.Temperature != 34.2 {
		t.Errorf("body = %+v, want lahore at 34.2", snap)
	}
}

func TestGetCurrentByName_NotFound(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{err: client.ErrLocationNotFound}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/weather/Atlantis")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "LOCATION_NOT_FOUND" {
		t.Errorf("error code = %q, want LOCATION_NOT_FOUND", code)
	}
}

func TestGetCurrentByName_UpstreamUnavailable(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{err: client.ErrUpstreamFailure}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/weather/Lahore")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("error code = %q, want UPSTREAM_UNAVAILABLE", code)
	}
}

func TestGetCurrentByName_MalformedUpstream(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{err: client.ErrMalformedResponse}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/weather/Lahore")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "UPSTREAM_DATA_INVALID" {
		t.Errorf("error code = %q, want UPSTREAM_DATA_INVALID", code)
	}
}

func TestGetCurrentByCoords_Validation(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{snapshot: models.WeatherSnapshot{Location: "lahore"}}
	router := newTestRouter(fc)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantErr  string
	}{
		{"valid", "/weather/coords?lat=31.5497&lon=74.3436", http.StatusOK, ""},
		{"missing lon", "/weather/coords?lat=31.5497", http.StatusBadRequest, "INVALID_COORDINATES"},
		{"non-numeric lat", "/weather/coords?lat=abc&lon=74.3436", http.StatusBadRequest, "INVALID_COORDINATES"},
		{"lat out of range", "/weather/coords?lat=95&lon=74.3436", http.StatusBadRequest, "INVALID_COORDINATES"},
		{"lon out of range", "/weather/coords?lat=31.5497&lon=-200", http.StatusBadRequest, "INVALID_COORDINATES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if code := decodeErrorCode(t, rec); code != tt.wantErr {
					t.Errorf("error code = %q, want %q", code, tt.wantErr)
				}
			}
		})
	}
}

func TestGetForecastByName_DaysHandling(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{forecast: []models.ForecastEntry{{Location: "lahore", Temperature: 30}}}
	router := newTestRouter(fc)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantErr  string
	}{
		{"default days", "/forecast/Lahore", http.StatusOK, ""},
		{"explicit days", "/forecast/Lahore?days=3", http.StatusOK, ""},
		{"days zero", "/forecast/Lahore?days=0", http.StatusBadRequest, "INVALID_DAYS"},
		{"days too large", "/forecast/Lahore?days=9", http.StatusBadRequest, "INVALID_DAYS"},
		{"days non-numeric", "/forecast/Lahore?days=abc", http.StatusBadRequest, "INVALID_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if code := decodeErrorCode(t, rec); code != tt.wantErr {
					t.Errorf("error code = %q, want %q", code, tt.wantErr)
				}
			}
		})
	}
}

func TestGetHistory_OK(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{history: []models.WeatherSnapshot{
		{Temperature: 28, Timestamp: time.Date(2025, 5, 30, 12, 0, 0, 0, time.UTC)},
		{Temperature: 29, Timestamp: time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)},
	}}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/history?lat=31.5497&lon=74.3436&days=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	var snaps []models.WeatherSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots = %d, want 2", len(snaps))
	}
}

func TestGetAlerts_EmptyList(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{alerts: []models.Alert{}}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/alerts?lat=31.5497&lon=74.3436")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var alerts []models.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if alerts == nil || len(alerts) != 0 {
		t.Errorf("alerts = %v, want empty array", alerts)
	}
}

func TestGetHealth_Healthy(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if _, ok := body["uptime"].(string); !ok {
		t.Errorf("uptime = %v, want duration string", body["uptime"])
	}
}

func TestGetHealth_ShuttingDown(t *testing.T) {
	health.Reset()
	health.SetShuttingDown(true)
	defer health.SetShuttingDown(false)

	fc := &fakeWeatherClient{}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", body["status"])
	}
}

func TestGetHealth_DegradedOnErrorRate(t *testing.T) {
	health.Reset()
	defer health.Reset()

	for i := 0; i < 6; i++ {
		health.RecordError()
	}
	for i := 0; i < 4; i++ {
		health.RecordSuccess()
	}

	fc := &fakeWeatherClient{}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestGetHealth_DegradedOnBadAPIKey(t *testing.T) {
	health.Reset()
	fc := &fakeWeatherClient{keyErr: client.ErrInvalidAPIKey}
	router := newTestRouter(fc)

	rec := doRequest(t, router, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestValidationErrorsDoNotDegradeHealth(t *testing.T) {
	health.Reset()
	defer health.Reset()

	fc := &fakeWeatherClient{snapshot: models.WeatherSnapshot{Location: "lahore"}}
	router := newTestRouter(fc)

	// Repeated invalid requests must not push the service into degraded.
	for i := 0; i < 10; i++ {
		rec := doRequest(t, router, "/weather/coords?lat=95&lon=0")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	}

	rec := doRequest(t, router, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 after validation failures only", rec.Code)
	}
}
