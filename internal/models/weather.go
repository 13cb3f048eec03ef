package models

import (
	"fmt"
	"strings"
	"time"
)

// LocationQuery identifies a weather lookup target: either a free-text city
// name or a latitude/longitude pair. Its Key is the cache identity.
type LocationQuery struct {
	City   string  `json:"city,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
	Coords bool    `json:"coords,omitempty"` // true when Lat/Lon identify the target
}

// CityQuery returns a LocationQuery for a free-text city name.
func CityQuery(city string) LocationQuery {
	return LocationQuery{City: strings.TrimSpace(city)}
}

// CoordQuery returns a LocationQuery for a latitude/longitude pair.
func CoordQuery(lat, lon float64) LocationQuery {
	return LocationQuery{Lat: lat, Lon: lon, Coords: true}
}

// Key returns the normalized cache-key component for this query.
// Coordinates are rounded to four decimal places (~11m) so that jittery
// browser geolocation readings share a key.
func (q LocationQuery) Key() string {
	if q.Coords {
		return fmt.Sprintf("geo:%.4f,%.4f", q.Lat, q.Lon)
	}
	return "city:" + strings.ToLower(strings.TrimSpace(q.City))
}

// IsZero reports whether the query identifies nothing.
func (q LocationQuery) IsZero() bool {
	return !q.Coords && strings.TrimSpace(q.City) == ""
}

func (q LocationQuery) String() string {
	if q.Coords {
		return fmt.Sprintf("%.4f,%.4f", q.Lat, q.Lon)
	}
	return q.City
}

// CurrentWeather is an immutable snapshot of current conditions for a
// location. Superseded wholesale by a newer snapshot for the same key.
type CurrentWeather struct {
	Location      string    `json:"location"`
	Country       string    `json:"country,omitempty"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	TempMin       float64   `json:"tempMin"`
	TempMax       float64   `json:"tempMax"`
	Conditions    string    `json:"conditions"`
	Description   string    `json:"description,omitempty"`
	ConditionCode int       `json:"conditionCode"`
	Icon          string    `json:"icon,omitempty"`
	Humidity      int       `json:"humidity"`
	Pressure      int       `json:"pressure"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDeg       int       `json:"windDeg"`
	Clouds        int       `json:"clouds"`
	Sunrise       time.Time `json:"sunrise"`
	Sunset        time.Time `json:"sunset"`
	Timestamp     time.Time `json:"timestamp"`
	Stale         bool      `json:"stale,omitempty"` // served past the staleness window
}

// ForecastEntry is one time-bucketed prediction (3-hour granularity).
type ForecastEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Conditions    string    `json:"conditions"`
	Description   string    `json:"description,omitempty"`
	ConditionCode int       `json:"conditionCode"`
	Icon          string    `json:"icon,omitempty"`
	Humidity      int       `json:"humidity"`
	WindSpeed     float64   `json:"windSpeed"`
	PrecipProb    float64   `json:"precipProb"` // 0..1
}

// Forecast is the 5-day/3-hour forecast for a location, entries ordered by
// timestamp ascending.
type Forecast struct {
	Location  string          `json:"location"`
	Country   string          `json:"country,omitempty"`
	Entries   []ForecastEntry `json:"entries"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Stale     bool            `json:"stale,omitempty"`
}

// GeoPlace is one geocoding result for a city search.
type GeoPlace struct {
	Name    string  `json:"name"`
	State   string  `json:"state,omitempty"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Query returns the LocationQuery resolving to this place.
func (p GeoPlace) Query() LocationQuery {
	return CoordQuery(p.Lat, p.Lon)
}
