package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/observability"
)

// WeatherAPI is the upstream contract: given a LocationQuery, issue one HTTP
// GET and return parsed data or a typed fetch error. No retries are performed
// here; retry policy belongs to the caller.
type WeatherAPI interface {
	CurrentWeather(ctx context.Context, q models.LocationQuery) (models.CurrentWeather, error)
	FiveDayForecast(ctx context.Context, q models.LocationQuery) (models.Forecast, error)
	GeocodeCity(ctx context.Context, city string, limit int) ([]models.GeoPlace, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error)
	ValidateAPIKey(ctx context.Context) error
}

const (
	endpointCurrent  = "current"
	endpointForecast = "forecast"
	endpointGeocode  = "geocode"
)

// OpenWeatherClient talks to the OpenWeather data and geocoding APIs.
type OpenWeatherClient struct {
	apiKey  string
	baseURL string // data API, e.g. https://api.openweathermap.org/data/2.5
	geoURL  string // geocoding API, e.g. https://api.openweathermap.org/geo/1.0
	units   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewOpenWeatherClient validates the key shape and returns a client.
// units is the OpenWeather unit system ("metric", "imperial", "standard");
// empty defaults to metric.
func NewOpenWeatherClient(apiKey, baseURL, geoURL, units string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if units == "" {
		units = "metric"
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		geoURL:  strings.TrimRight(geoURL, "/"),
		units:   units,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker wraps upstream calls in cb. An open breaker surfaces as
// ErrNetwork without touching the wire.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

// CurrentWeather fetches current conditions for q.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, q models.LocationQuery) (models.CurrentWeather, error) {
	params := c.locationParams(q)
	params.Set("units", c.units)
	body, err := c.get(ctx, endpointCurrent, c.baseURL+"/weather", params)
	if err != nil {
		return models.CurrentWeather{}, err
	}

	var payload currentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.CurrentWeather{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return payload.toModel(q), nil
}

// FiveDayForecast fetches the 5-day/3-hour forecast for q. Entries are
// returned ordered by timestamp ascending.
func (c *OpenWeatherClient) FiveDayForecast(ctx context.Context, q models.LocationQuery) (models.Forecast, error) {
	params := c.locationParams(q)
	params.Set("units", c.units)
	body, err := c.get(ctx, endpointForecast, c.baseURL+"/forecast", params)
	if err != nil {
		return models.Forecast{}, err
	}

	var payload forecastPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Forecast{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return payload.toModel(q), nil
}

// GeocodeCity resolves a free-text city name to candidate places.
func (c *OpenWeatherClient) GeocodeCity(ctx context.Context, city string, limit int) ([]models.GeoPlace, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("q", strings.TrimSpace(city))
	params.Set("limit", strconv.Itoa(limit))
	return c.geocode(ctx, c.geoURL+"/direct", params)
}

// ReverseGeocode resolves coordinates to candidate places.
func (c *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("limit", "1")
	return c.geocode(ctx, c.geoURL+"/reverse", params)
}

func (c *OpenWeatherClient) geocode(ctx context.Context, endpoint string, params url.Values) ([]models.GeoPlace, error) {
	body, err := c.get(ctx, endpointGeocode, endpoint, params)
	if err != nil {
		return nil, err
	}

	var payload []geoPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	places := make([]models.GeoPlace, 0, len(payload))
	for _, p := range payload {
		places = append(places, models.GeoPlace{
			Name:    p.Name,
			State:   p.State,
			Country: p.Country,
			Lat:     p.Lat,
			Lon:     p.Lon,
		})
	}
	return places, nil
}

// ValidateAPIKey issues a cheap geocoding request to verify the key works.
// Used by the health handler.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.GeocodeCity(ctx, "London", 1)
	if errors.Is(err, ErrInvalidAPIKey) {
		return err
	}
	if err != nil && !errors.Is(err, ErrHTTP) {
		return fmt.Errorf("validation request failed: %w", err)
	}
	return nil
}

// locationParams encodes q as either q=<city> or lat/lon query parameters.
func (c *OpenWeatherClient) locationParams(q models.LocationQuery) url.Values {
	params := url.Values{}
	if q.Coords {
		params.Set("lat", strconv.FormatFloat(q.Lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(q.Lon, 'f', -1, 64))
	} else {
		params.Set("q", strings.TrimSpace(q.City))
	}
	return params
}

// get issues a single GET with the API key attached and returns the raw body.
// Exactly one request per call: retry policy belongs to the caller.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	start := time.Now()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params.Set("appid", c.apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrNetwork)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Message: upstreamMessage(body)}
	}
	return body, nil
}

// do runs the request through the circuit breaker when one is configured.
func (c *OpenWeatherClient) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.client.Do(req)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx counts against the breaker; 4xx is the caller's problem.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("upstream HTTP %d", resp.StatusCode)
		}
		return resp, nil
	})
	if resp, ok := v.(*http.Response); ok {
		return resp, nil
	}
	return nil, err
}

// upstreamMessage extracts OpenWeather's error "message" field if present.
func upstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Message
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

// currentPayload mirrors the /weather response shape.
type currentPayload struct {
	Name string `json:"name"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Dt int64 `json:"dt"`
}

func (p currentPayload) toModel(q models.LocationQuery) models.CurrentWeather {
	out := models.CurrentWeather{
		Location:    p.Name,
		Country:     p.Sys.Country,
		Temperature: p.Main.Temp,
		FeelsLike:   p.Main.FeelsLike,
		TempMin:     p.Main.TempMin,
		TempMax:     p.Main.TempMax,
		Humidity:    p.Main.Humidity,
		Pressure:    p.Main.Pressure,
		WindSpeed:   p.Wind.Speed,
		WindDeg:     p.Wind.Deg,
		Clouds:      p.Clouds.All,
		Timestamp:   time.Now().UTC(),
	}
	if out.Location == "" {
		out.Location = q.String()
	}
	if len(p.Weather) > 0 {
		out.Conditions = p.Weather[0].Main
		out.Description = p.Weather[0].Description
		out.ConditionCode = p.Weather[0].ID
		out.Icon = p.Weather[0].Icon
	}
	if p.Sys.Sunrise > 0 {
		out.Sunrise = time.Unix(p.Sys.Sunrise, 0).UTC()
	}
	if p.Sys.Sunset > 0 {
		out.Sunset = time.Unix(p.Sys.Sunset, 0).UTC()
	}
	return out
}

// forecastPayload mirrors the /forecast response shape.
type forecastPayload struct {
	City struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"city"`
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			ID          int    `json:"id"`
			Main        string `json:"main"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Pop float64 `json:"pop"`
	} `json:"list"`
}

func (p forecastPayload) toModel(q models.LocationQuery) models.Forecast {
	out := models.Forecast{
		Location:  p.City.Name,
		Country:   p.City.Country,
		FetchedAt: time.Now().UTC(),
		Entries:   make([]models.ForecastEntry, 0, len(p.List)),
	}
	if out.Location == "" {
		out.Location = q.String()
	}
	for _, item := range p.List {
		entry := models.ForecastEntry{
			Timestamp:   time.Unix(item.Dt, 0).UTC(),
			Temperature: item.Main.Temp,
			FeelsLike:   item.Main.FeelsLike,
			Humidity:    item.Main.Humidity,
			WindSpeed:   item.Wind.Speed,
			PrecipProb:  item.Pop,
		}
		if len(item.Weather) > 0 {
			entry.Conditions = item.Weather[0].Main
			entry.Description = item.Weather[0].Description
			entry.ConditionCode = item.Weather[0].ID
			entry.Icon = item.Weather[0].Icon
		}
		out.Entries = append(out.Entries, entry)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].Timestamp.Before(out.Entries[j].Timestamp)
	})
	return out
}

// geoPayload mirrors one element of the geocoding response.
type geoPayload struct {
	Name    string  `json:"name"`
	State   string  `json:"state"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}
