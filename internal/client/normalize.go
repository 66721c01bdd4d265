package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/cpatterson/weatherdash/internal/models"
)

// Upstream response shapes. Required blocks are pointers so a missing block
// is distinguishable from a zero-valued one; normalization rejects payloads
// with required blocks absent rather than propagating partial data.

type currentResponse struct {
	Coord *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Pressure  int     `json:"pressure"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Visibility int    `json:"visibility"`
	Name       string `json:"name"`
	Dt         int64  `json:"dt"`
}

type forecastResponse struct {
	City *struct {
		Name  string `json:"name"`
		Coord struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"coord"`
	} `json:"city"`
	List []forecastItem `json:"list"`
}

type forecastItem struct {
	Dt   int64 `json:"dt"`
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Pressure  int     `json:"pressure"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Visibility int     `json:"visibility"`
	Pop        float64 `json:"pop"`
}

type timemachineResponse struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Data []struct {
		Dt         int64   `json:"dt"`
		Temp       float64 `json:"temp"`
		FeelsLike  float64 `json:"feels_like"`
		Pressure   int     `json:"pressure"`
		Humidity   int     `json:"humidity"`
		UVI        float64 `json:"uvi"`
		Visibility int     `json:"visibility"`
		WindSpeed  float64 `json:"wind_speed"`
		WindDeg    int     `json:"wind_deg"`
		Weather    []struct {
			ID          int    `json:"id"`
			Description string `json:"description"`
		} `json:"weather"`
	} `json:"data"`
}

type onecallResponse struct {
	Alerts []struct {
		SenderName  string   `json:"sender_name"`
		Event       string   `json:"event"`
		Start       int64    `json:"start"`
		End         int64    `json:"end"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	} `json:"alerts"`
}

// mapCurrent normalizes a current-conditions response. fallbackName is used
// when the upstream omits a resolved place name (coordinate lookups).
func mapCurrent(resp currentResponse, fallbackName string) (models.WeatherSnapshot, error) {
	if resp.Main == nil || len(resp.Weather) == 0 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: missing main or weather block", ErrMalformedResponse)
	}

	snap := models.WeatherSnapshot{
		Location:      resolveName(resp.Name, fallbackName),
		Temperature:   resp.Main.Temp,
		FeelsLike:     resp.Main.FeelsLike,
		Humidity:      resp.Main.Humidity,
		Pressure:      resp.Main.Pressure,
		WindSpeed:     resp.Wind.Speed,
		WindDeg:       resp.Wind.Deg,
		Visibility:    resp.Visibility,
		ConditionCode: resp.Weather[0].ID,
		Description:   resp.Weather[0].Description,
		Timestamp:     timestampOrNow(resp.Dt),
	}
	if resp.Coord != nil {
		snap.Latitude = resp.Coord.Lat
		snap.Longitude = resp.Coord.Lon
	}
	return snap, nil
}

// mapForecast normalizes a forecast response into chronological entries.
// Entries with missing required blocks fail the whole payload; the forecast
// is replaced wholesale, never partially.
func mapForecast(resp forecastResponse, fallbackName string) ([]models.ForecastEntry, error) {
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("%w: empty forecast list", ErrMalformedResponse)
	}

	name := fallbackName
	var lat, lon float64
	if resp.City != nil {
		name = resolveName(resp.City.Name, fallbackName)
		lat = resp.City.Coord.Lat
		lon = resp.City.Coord.Lon
	}

	entries := make([]models.ForecastEntry, 0, len(resp.List))
	for _, item := range resp.List {
		if item.Main == nil || len(item.Weather) == 0 {
			return nil, fmt.Errorf("%w: forecast entry missing main or weather block", ErrMalformedResponse)
		}
		entries = append(entries, models.ForecastEntry{
			Location:          name,
			Latitude:          lat,
			Longitude:         lon,
			Temperature:       item.Main.Temp,
			FeelsLike:         item.Main.FeelsLike,
			Humidity:          item.Main.Humidity,
			Pressure:          item.Main.Pressure,
			WindSpeed:         item.Wind.Speed,
			WindDeg:           item.Wind.Deg,
			Visibility:        item.Visibility,
			ConditionCode:     item.Weather[0].ID,
			Description:       item.Weather[0].Description,
			PrecipProbability: item.Pop,
			Timestamp:         time.Unix(item.Dt, 0).UTC(),
		})
	}
	return entries, nil
}

// mapTimemachine normalizes a single historical response.
func mapTimemachine(resp timemachineResponse) (models.WeatherSnapshot, error) {
	if len(resp.Data) == 0 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: empty historical data", ErrMalformedResponse)
	}
	d := resp.Data[0]
	if len(d.Weather) == 0 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: historical entry missing weather block", ErrMalformedResponse)
	}
	return models.WeatherSnapshot{
		Latitude:      resp.Lat,
		Longitude:     resp.Lon,
		Temperature:   d.Temp,
		FeelsLike:     d.FeelsLike,
		Humidity:      d.Humidity,
		Pressure:      d.Pressure,
		WindSpeed:     d.WindSpeed,
		WindDeg:       d.WindDeg,
		Visibility:    d.Visibility,
		UVIndex:       d.UVI,
		ConditionCode: d.Weather[0].ID,
		Description:   d.Weather[0].Description,
		Timestamp:     time.Unix(d.Dt, 0).UTC(),
	}, nil
}

// mapAlerts normalizes alert entries. No alerts is a valid empty result, not
// an error.
func mapAlerts(resp onecallResponse) []models.Alert {
	alerts := make([]models.Alert, 0, len(resp.Alerts))
	for _, a := range resp.Alerts {
		severity := ""
		if len(a.Tags) > 0 {
			severity = a.Tags[0]
		}
		alerts = append(alerts, models.Alert{
			Event:       a.Event,
			Sender:      a.SenderName,
			Severity:    severity,
			Description: a.Description,
			Start:       time.Unix(a.Start, 0).UTC(),
			End:         time.Unix(a.End, 0).UTC(),
		})
	}
	return alerts
}

func resolveName(name, fallback string) string {
	if name == "" {
		return strings.ToLower(fallback)
	}
	return strings.ToLower(name)
}

func timestampOrNow(dt int64) time.Time {
	if dt <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(dt, 0).UTC()
}
