package models

import "time"

// WeatherSnapshot is the normalized view of current conditions at a location.
// Immutable once constructed; produced fresh from upstream on each cache miss.
type WeatherSnapshot struct {
	Location      string    `json:"location"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Humidity      int       `json:"humidity"`
	Pressure      int       `json:"pressure"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDeg       int       `json:"windDeg"`
	Visibility    int       `json:"visibility"`
	UVIndex       float64   `json:"uvIndex"`
	ConditionCode int       `json:"conditionCode"`
	Description   string    `json:"description"`
	Timestamp     time.Time `json:"timestamp"`
}

// ForecastEntry is a single time-stamped prediction. A forecast is an ordered
// []ForecastEntry (chronological ascending), replaced wholesale on each refresh.
type ForecastEntry struct {
	Location          string    `json:"location"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Temperature       float64   `json:"temperature"`
	FeelsLike         float64   `json:"feelsLike"`
	Humidity          int       `json:"humidity"`
	Pressure          int       `json:"pressure"`
	WindSpeed         float64   `json:"windSpeed"`
	WindDeg           int       `json:"windDeg"`
	Visibility        int       `json:"visibility"`
	ConditionCode     int       `json:"conditionCode"`
	Description       string    `json:"description"`
	PrecipProbability float64   `json:"precipProbability"`
	Timestamp         time.Time `json:"timestamp"`
}

// Alert is an active weather alert for an area. Alerts are always served
// live from upstream and never cached.
type Alert struct {
	Event       string    `json:"event"`
	Sender      string    `json:"sender"`
	Severity    string    `json:"severity,omitempty"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}
