package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lmarchetti/weather-dashboard/internal/cache"
	"github.com/lmarchetti/weather-dashboard/internal/client"
	"github.com/lmarchetti/weather-dashboard/internal/geo"
	"github.com/lmarchetti/weather-dashboard/internal/health"
	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/prefs"
	"github.com/lmarchetti/weather-dashboard/internal/query"
)

type mockWeatherAPI struct {
	mu          sync.Mutex
	currentErr  error
	forecastErr error
	geocodeErr  error
	validateErr error
	places      []models.GeoPlace

	currentCalls int64
}

func (m *mockWeatherAPI) CurrentWeather(ctx context.Context, q models.LocationQuery) (models.CurrentWeather, error) {
	atomic.AddInt64(&m.currentCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentErr != nil {
		return models.CurrentWeather{}, m.currentErr
	}
	return models.CurrentWeather{
		Location:      q.String(),
		Temperature:   14.2,
		Conditions:    "Clouds",
		ConditionCode: 803,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (m *mockWeatherAPI) FiveDayForecast(ctx context.Context, q models.LocationQuery) (models.Forecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forecastErr != nil {
		return models.Forecast{}, m.forecastErr
	}
	entries := make([]models.ForecastEntry, 0, 5)
	for day := 1; day <= 5; day++ {
		entries = append(entries, models.ForecastEntry{
			Timestamp:     time.Now().UTC().Add(time.Duration(day) * 24 * time.Hour),
			Temperature:   18,
			Conditions:    "Clear",
			ConditionCode: 800,
		})
	}
	return models.Forecast{
		Location:  q.String(),
		FetchedAt: time.Now().UTC(),
		Entries:   entries,
	}, nil
}

func (m *mockWeatherAPI) GeocodeCity(ctx context.Context, city string, limit int) ([]models.GeoPlace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.geocodeErr != nil {
		return nil, m.geocodeErr
	}
	if m.places != nil {
		return m.places, nil
	}
	return []models.GeoPlace{{Name: city, Country: "GB", Lat: 51.5, Lon: -0.12}}, nil
}

func (m *mockWeatherAPI) ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.geocodeErr != nil {
		return nil, m.geocodeErr
	}
	return []models.GeoPlace{{Name: "London", Country: "GB", Lat: lat, Lon: lon}}, nil
}

func (m *mockWeatherAPI) ValidateAPIKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateErr
}

func (m *mockWeatherAPI) setCurrentErr(err error) {
	m.mu.Lock()
	m.currentErr = err
	m.mu.Unlock()
}

type testEnv struct {
	api    *mockWeatherAPI
	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	api := &mockWeatherAPI{}
	store := query.NewStore(api, cache.NewInMemoryCache(), query.Options{Window: time.Minute}, zap.NewNop())
	prefsStore, err := prefs.Open(":memory:")
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	t.Cleanup(func() { _ = prefsStore.Close() })

	handler := NewHandler(
		store,
		api,
		geo.New(store, time.Second),
		prefsStore,
		health.NewTracker(),
		&HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50, StartTime: time.Now(), StorePing: prefsStore.Ping},
		zap.NewNop(),
		"metric",
		2, 85, 5,
	)

	router := mux.NewRouter()
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	apiR := router.PathPrefix("/api").Subrouter()
	apiR.HandleFunc("/weather/current", handler.GetCurrent).Methods("GET")
	apiR.HandleFunc("/weather/forecast", handler.GetForecast).Methods("GET")
	apiR.HandleFunc("/weather/status", handler.GetStatus).Methods("GET")
	apiR.HandleFunc("/geo/direct", handler.SearchCities).Methods("GET")
	apiR.HandleFunc("/geo/reverse", handler.ReverseGeocode).Methods("GET")
	apiR.HandleFunc("/dashboard", handler.GetDashboard).Methods("GET")
	apiR.HandleFunc("/favorites", handler.ListFavorites).Methods("GET")
	apiR.HandleFunc("/favorites", handler.AddFavorite).Methods("POST")
	apiR.HandleFunc("/favorites/{id}", handler.RemoveFavorite).Methods("DELETE")
	apiR.HandleFunc("/prefs/theme", handler.GetTheme).Methods("GET")
	apiR.HandleFunc("/prefs/theme", handler.PutTheme).Methods("PUT")

	return &testEnv{api: api, router: router}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	return resp.Error.Code
}

func TestGetCurrent_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/weather/current?city=London", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got models.CurrentWeather
	decodeJSON(t, rec, &got)
	if got.Location != "London" || got.Temperature != 14.2 {
		t.Errorf("response = %+v", got)
	}
}

// TestGetCurrent_SecondRequestServedFromCache covers the repeat-search flow:
// searching the same city again within the window issues no upstream call.
func TestGetCurrent_SecondRequestServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		if rec := env.do(t, "GET", "/api/weather/current?city=London", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if got := atomic.LoadInt64(&env.api.currentCalls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestGetCurrent_RefreshBypassesCache(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/api/weather/current?city=London", nil, nil)
	rec := env.do(t, "GET", "/api/weather/current?city=London&refresh=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := atomic.LoadInt64(&env.api.currentCalls); got != 2 {
		t.Errorf("upstream calls = %d, want 2 after refresh", got)
	}
}

func TestGetCurrent_InvalidCity(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/weather/current?city=lon%2Fdon", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_CITY" {
		t.Errorf("code = %q, want INVALID_CITY", code)
	}
}

func TestGetCurrent_CityNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.api.setCurrentErr(&client.StatusError{Status: 404, Message: "city not found"})
	rec := env.do(t, "GET", "/api/weather/current?city=Zzzzz123", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != "CITY_NOT_FOUND" {
		t.Errorf("code = %q, want CITY_NOT_FOUND", code)
	}
}

func TestGetCurrent_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limited", &client.StatusError{Status: 429}, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMITED"},
		{"bad key", &client.StatusError{Status: 401}, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"network", client.ErrNetwork, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"parse", client.ErrParse, http.StatusBadGateway, "BAD_UPSTREAM_PAYLOAD"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.api.setCurrentErr(tc.err)
			rec := env.do(t, "GET", "/api/weather/current?city=London", nil, nil)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if code := errorCode(t, rec); code != tc.wantCode {
				t.Errorf("code = %q, want %q", code, tc.wantCode)
			}
		})
	}
}

func TestGetCurrent_ByCoordinates(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/weather/current?lat=51.5&lon=-0.12", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/weather/current?lat=91&lon=0", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for out-of-range latitude", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_COORDS" {
		t.Errorf("code = %q, want INVALID_COORDS", code)
	}
}

func TestGetForecast_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/weather/forecast?city=London", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.Forecast
	decodeJSON(t, rec, &got)
	if len(got.Entries) != 5 {
		t.Errorf("entries = %d, want 5", len(got.Entries))
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/weather/status?kind=bogus&city=London", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad kind", rec.Code)
	}

	// Nothing fetched yet: loading.
	rec = env.do(t, "GET", "/api/weather/status?kind=current&city=London", nil, nil)
	var status struct {
		State string `json:"state"`
	}
	decodeJSON(t, rec, &status)
	if status.State != "loading" {
		t.Errorf("state = %q, want loading", status.State)
	}

	env.do(t, "GET", "/api/weather/current?city=London", nil, nil)
	rec = env.do(t, "GET", "/api/weather/status?kind=current&city=London", nil, nil)
	decodeJSON(t, rec, &status)
	if status.State != "ready" {
		t.Errorf("state = %q, want ready", status.State)
	}
}

func TestSearchCities(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/geo/direct?q=London", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var places []models.GeoPlace
	decodeJSON(t, rec, &places)
	if len(places) != 1 || places[0].Name != "London" {
		t.Errorf("places = %+v", places)
	}

	rec = env.do(t, "GET", "/api/geo/direct?q=x", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for too-short query", rec.Code)
	}
}

func TestReverseGeocode(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/geo/reverse?lat=51.5&lon=-0.12", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var place models.GeoPlace
	decodeJSON(t, rec, &place)
	if place.Name != "London" {
		t.Errorf("place = %+v", place)
	}
}

type dashboardResp struct {
	Location string `json:"location"`
	Units    string `json:"units"`
	Current  *struct {
		Temperature float64 `json:"temperature"`
	} `json:"current"`
	Cards  []struct{ Date string } `json:"cards"`
	Banner *struct {
		Kind string `json:"kind"`
	} `json:"banner"`
}

func TestGetDashboard_ByCity(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/dashboard?city=London", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view dashboardResp
	decodeJSON(t, rec, &view)
	if view.Current == nil {
		t.Fatal("current conditions missing")
	}
	if len(view.Cards) == 0 {
		t.Error("forecast cards missing")
	}
	if view.Banner != nil {
		t.Errorf("unexpected banner %+v", view.Banner)
	}
}

func TestGetDashboard_ImperialUnits(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/dashboard?city=London&units=imperial", nil, nil)
	var view dashboardResp
	decodeJSON(t, rec, &view)
	if view.Units != "imperial" {
		t.Errorf("units = %q, want imperial", view.Units)
	}
	// 14.2C -> 57.56F
	if view.Current == nil || view.Current.Temperature < 57.5 || view.Current.Temperature > 57.6 {
		t.Errorf("temperature = %+v, want ~57.56F", view.Current)
	}
}

// Dashboard failures always answer 200 with a banner, never a blank error.
func TestGetDashboard_Banners(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		prep     func(api *mockWeatherAPI)
		wantKind string
	}{
		{
			name:     "no location at all",
			target:   "/api/dashboard",
			wantKind: "location_unavailable",
		},
		{
			name:     "invalid city",
			target:   "/api/dashboard?city=lon%2Fdon",
			wantKind: "invalid_city",
		},
		{
			name:   "city not found upstream",
			target: "/api/dashboard?city=Zzzzz123",
			prep: func(api *mockWeatherAPI) {
				api.setCurrentErr(&client.StatusError{Status: 404})
			},
			wantKind: "city_not_found",
		},
		{
			name:   "upstream down",
			target: "/api/dashboard?city=London",
			prep: func(api *mockWeatherAPI) {
				api.setCurrentErr(client.ErrNetwork)
			},
			wantKind: "upstream_error",
		},
		{
			name:   "geolocation resolution fails",
			target: "/api/dashboard?lat=51.5&lon=-0.12",
			prep: func(api *mockWeatherAPI) {
				api.mu.Lock()
				api.geocodeErr = client.ErrNetwork
				api.mu.Unlock()
			},
			wantKind: "location_unavailable",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tc.prep != nil {
				tc.prep(env.api)
			}
			rec := env.do(t, "GET", tc.target, nil, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, dashboard must answer 200", rec.Code)
			}
			var view dashboardResp
			decodeJSON(t, rec, &view)
			if view.Banner == nil {
				t.Fatalf("banner missing, body %s", rec.Body.String())
			}
			if view.Banner.Kind != tc.wantKind {
				t.Errorf("banner kind = %q, want %q", view.Banner.Kind, tc.wantKind)
			}
		})
	}
}

func TestFavorites_RequireClientID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/favorites", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "MISSING_CLIENT_ID" {
		t.Errorf("code = %q", code)
	}
}

func TestFavorites_CRUD(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Client-ID": "fp-abc123"}

	// Empty list first.
	rec := env.do(t, "GET", "/api/favorites", nil, headers)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("empty list: status %d body %q", rec.Code, rec.Body.String())
	}

	body := []byte(`{"label": "Home", "city": "London"}`)
	rec = env.do(t, "POST", "/api/favorites", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var fav models.Favorite
	decodeJSON(t, rec, &fav)
	if fav.ID == "" || fav.Label != "Home" {
		t.Errorf("favorite = %+v", fav)
	}

	// Duplicate pin.
	rec = env.do(t, "POST", "/api/favorites", body, headers)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != "DUPLICATE_FAVORITE" {
		t.Errorf("code = %q", code)
	}

	// Visible in the list.
	rec = env.do(t, "GET", "/api/favorites", nil, headers)
	var favs []models.Favorite
	decodeJSON(t, rec, &favs)
	if len(favs) != 1 {
		t.Fatalf("favorites = %d, want 1", len(favs))
	}

	// Another client sees nothing.
	rec = env.do(t, "GET", "/api/favorites", nil, map[string]string{"X-Client-ID": "other"})
	var otherFavs []models.Favorite
	decodeJSON(t, rec, &otherFavs)
	if len(otherFavs) != 0 {
		t.Errorf("other client sees %d favorites", len(otherFavs))
	}

	// Unpin.
	rec = env.do(t, "DELETE", "/api/favorites/"+fav.ID, nil, headers)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = env.do(t, "DELETE", "/api/favorites/"+fav.ID, nil, headers)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAddFavorite_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Client-ID": "fp"}

	rec := env.do(t, "POST", "/api/favorites", []byte(`{not json`), headers)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec = env.do(t, "POST", "/api/favorites", []byte(`{"city": ""}`), headers)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty city", rec.Code)
	}
}

func TestTheme_Endpoints(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Client-ID": "fp"}

	var resp map[string]string
	rec := env.do(t, "GET", "/api/prefs/theme", nil, headers)
	decodeJSON(t, rec, &resp)
	if resp["theme"] != "light" {
		t.Errorf("default theme = %q, want light", resp["theme"])
	}

	rec = env.do(t, "PUT", "/api/prefs/theme", []byte(`{"theme": "dark"}`), headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	rec = env.do(t, "GET", "/api/prefs/theme", nil, headers)
	decodeJSON(t, rec, &resp)
	if resp["theme"] != "dark" {
		t.Errorf("theme = %q, want dark", resp["theme"])
	}

	rec = env.do(t, "PUT", "/api/prefs/theme", []byte(`{"theme": "sepia"}`), headers)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid theme status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_THEME" {
		t.Errorf("code = %q", code)
	}
}

func TestGetHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Checks["prefs"] != "healthy" {
		t.Errorf("prefs check = %q", resp.Checks["prefs"])
	}
}

func TestGetHealth_DegradedOnInvalidKey(t *testing.T) {
	env := newTestEnv(t)
	env.api.mu.Lock()
	env.api.validateErr = client.ErrInvalidAPIKey
	env.api.mu.Unlock()

	rec := env.do(t, "GET", "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}
