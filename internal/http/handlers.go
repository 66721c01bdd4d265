package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cpatterson/weatherdash/internal/client"
	"github.com/cpatterson/weatherdash/internal/health"
	"github.com/cpatterson/weatherdash/internal/service"
	"github.com/cpatterson/weatherdash/internal/validation"
)

const defaultDays = 5

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	StartTime        time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	aggregator       *service.Aggregator
	client           client.WeatherClient
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	aggregator *service.Aggregator,
	weatherClient client.WeatherClient,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		aggregator:   aggregator,
		client:       weatherClient,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetCurrentByName handles GET /weather/{location}.
func (h *Handler) GetCurrentByName(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]

	result, err := h.aggregator.CurrentByName(r.Context(), location)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetCurrentByCoords handles GET /weather?lat=&lon=.
func (h *Handler) GetCurrentByCoords(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseCoords(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.CurrentByCoords(r.Context(), lat, lon)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetForecastByName handles GET /forecast/{location}?days=.
func (h *Handler) GetForecastByName(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.ForecastByName(r.Context(), location, days)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetForecastByCoords handles GET /forecast?lat=&lon=&days=.
func (h *Handler) GetForecastByCoords(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseCoords(w, r)
	if !ok {
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.ForecastByCoords(r.Context(), lat, lon, days)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetHistory handles GET /history?lat=&lon=&days=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseCoords(w, r)
	if !ok {
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.Historical(r.Context(), lat, lon, days)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetAlerts handles GET /alerts?lat=&lon=. Alerts are never cached; every
// request is served live from upstream.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseCoords(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.Alerts(r.Context(), lat, lon)
	if err != nil {
		h.recordOutcome(err)
		writeDomainError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// recordOutcome feeds the degraded-state tracker. Validation failures are
// the caller's fault and do not count against upstream health.
func (h *Handler) recordOutcome(err error) {
	if isValidationError(err) {
		return
	}
	health.RecordError()
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weatherdash",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Round(time.Second).String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > API key invalid > error-rate
// breach > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if health.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.client.ValidateAPIKey(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := health.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// parseCoords extracts and parses lat/lon query parameters. Writes a 400
// response and returns ok=false on parse failure. Range validation belongs
// to the aggregation layer.
func parseCoords(w http.ResponseWriter, r *http.Request) (lat, lon float64, ok bool) {
	latStr := strings.TrimSpace(r.URL.Query().Get("lat"))
	lonStr := strings.TrimSpace(r.URL.Query().Get("lon"))
	if latStr == "" || lonStr == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", "lat and lon are required")
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", "lat must be a number")
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(lonStr, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", "lon must be a number")
		return 0, 0, false
	}
	return lat, lon, true
}

// parseDays extracts the days query parameter, defaulting when absent.
// Bounds checking belongs to the aggregation layer.
func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := strings.TrimSpace(r.URL.Query().Get("days"))
	if s == "" {
		return defaultDays, true
	}
	days, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DAYS", "days must be an integer")
		return 0, false
	}
	return days, true
}

func isValidationError(err error) bool {
	return errors.Is(err, validation.ErrLocationEmpty) ||
		errors.Is(err, validation.ErrLocationTooLong) ||
		errors.Is(err, validation.ErrLocationInvalidChars) ||
		errors.Is(err, validation.ErrCoordinateNotFinite) ||
		errors.Is(err, validation.ErrLatitudeOutOfRange) ||
		errors.Is(err, validation.ErrLongitudeOutOfRange) ||
		errors.Is(err, validation.ErrDaysOutOfRange)
}

// writeDomainError maps aggregation-layer errors to the standard error
// response format. Each failure class keeps its own status and code; nothing
// is downgraded to a generic failure.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrLocationEmpty),
		errors.Is(err, validation.ErrLocationTooLong),
		errors.Is(err, validation.ErrLocationInvalidChars):
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
	case errors.Is(err, validation.ErrCoordinateNotFinite),
		errors.Is(err, validation.ErrLatitudeOutOfRange),
		errors.Is(err, validation.ErrLongitudeOutOfRange):
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
	case errors.Is(err, validation.ErrDaysOutOfRange):
		writeError(w, r, http.StatusBadRequest, "INVALID_DAYS", err.Error())
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "location does not exist")
	case errors.Is(err, client.ErrMalformedResponse):
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_DATA_INVALID", "upstream returned unusable data")
	default:
		// Transport failures, timeouts, rate limiting and open breaker all
		// surface as upstream unavailability.
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to fetch weather data")
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Debug("upstream error", zap.Error(err))
		}
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
