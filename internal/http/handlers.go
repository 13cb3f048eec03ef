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

	"github.com/lmarchetti/weather-dashboard/internal/client"
	"github.com/lmarchetti/weather-dashboard/internal/dashboard"
	"github.com/lmarchetti/weather-dashboard/internal/geo"
	"github.com/lmarchetti/weather-dashboard/internal/health"
	"github.com/lmarchetti/weather-dashboard/internal/lifecycle"
	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/observability"
	"github.com/lmarchetti/weather-dashboard/internal/prefs"
	"github.com/lmarchetti/weather-dashboard/internal/query"
	"github.com/lmarchetti/weather-dashboard/internal/validation"
)

// clientIDHeader carries the anonymous browser fingerprint identifying a
// client for favorites and theme.
const clientIDHeader = "X-Client-ID"

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	StartTime        time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// StorePing checks the preferences database.
	StorePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store        *query.Store
	api          client.WeatherAPI
	locator      *geo.Adapter
	prefs        *prefs.Store
	tracker      *health.Tracker
	healthConfig *HealthConfig
	logger       *zap.Logger

	displayUnits string
	cityMinLen   int
	cityMaxLen   int
	geocodeLimit int

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. displayUnits is the default display unit
// system; callers may override per request with ?units=.
func NewHandler(
	store *query.Store,
	api client.WeatherAPI,
	locator *geo.Adapter,
	prefsStore *prefs.Store,
	tracker *health.Tracker,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	displayUnits string,
	cityMinLen, cityMaxLen, geocodeLimit int,
) *Handler {
	if displayUnits == "" {
		displayUnits = "metric"
	}
	if geocodeLimit <= 0 {
		geocodeLimit = 5
	}
	return &Handler{
		store:        store,
		api:          api,
		locator:      locator,
		prefs:        prefsStore,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
		displayUnits: displayUnits,
		cityMinLen:   cityMinLen,
		cityMaxLen:   cityMaxLen,
		geocodeLimit: geocodeLimit,
	}
}

// GetCurrent handles GET /api/weather/current?city=|lat=&lon=.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	q, ok := h.locationFromRequest(w, r)
	if !ok {
		return
	}
	if wantsRefresh(r) {
		h.store.Invalidate(r.Context(), query.KindCurrent, q)
	}
	cur, err := h.store.Current(r.Context(), q)
	if err != nil {
		h.recordOutcome(err)
		writeFetchError(w, r, err)
		return
	}
	h.recordOutcome(nil)
	writeJSON(w, http.StatusOK, cur)
}

// GetForecast handles GET /api/weather/forecast?city=|lat=&lon=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	q, ok := h.locationFromRequest(w, r)
	if !ok {
		return
	}
	if wantsRefresh(r) {
		h.store.Invalidate(r.Context(), query.KindForecast, q)
	}
	fc, err := h.store.Forecast(r.Context(), q)
	if err != nil {
		h.recordOutcome(err)
		writeFetchError(w, r, err)
		return
	}
	h.recordOutcome(nil)
	writeJSON(w, http.StatusOK, fc)
}

// GetStatus handles GET /api/weather/status?kind=&city=|lat=&lon=.
// Reports the tri-state {loading, ready, failed} for a key without fetching.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	kind := query.Kind(r.URL.Query().Get("kind"))
	switch kind {
	case query.KindCurrent, query.KindForecast:
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_KIND", "kind must be current or forecast")
		return
	}
	q, ok := h.locationFromRequest(w, r)
	if !ok {
		return
	}
	result := h.store.Peek(r.Context(), kind, q)
	resp := map[string]interface{}{
		"state": result.State,
	}
	if !result.UpdatedAt.IsZero() {
		resp["updatedAt"] = result.UpdatedAt.UTC().Format(time.RFC3339)
		resp["stale"] = result.Stale
	}
	if result.Err != nil {
		resp["error"] = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchCities handles GET /api/geo/direct?q=.
func (h *Handler) SearchCities(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(r.URL.Query().Get("q"), h.cityMinLen, h.cityMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	places, err := h.store.GeocodeCity(r.Context(), city, h.geocodeLimit)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, places)
}

// ReverseGeocode handles GET /api/geo/reverse?lat=&lon=.
func (h *Handler) ReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordsFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDS", err.Error())
		return
	}
	place, _, err := h.locator.Locate(r.Context(), lat, lon)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, place)
}

// GetDashboard handles GET /api/dashboard?city=|lat=&lon=.
// Always responds 200: failures become banners so the dashboard never blanks.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	units := h.unitsFromRequest(r)

	q, banner := h.dashboardTarget(r)
	if banner != nil {
		writeJSON(w, http.StatusOK, dashboard.BannerView(banner.Kind, banner.Message))
		return
	}

	if wantsRefresh(r) {
		h.store.Invalidate(r.Context(), query.KindCurrent, q)
		h.store.Invalidate(r.Context(), query.KindForecast, q)
	}

	var (
		wg     sync.WaitGroup
		cur    models.CurrentWeather
		fc     models.Forecast
		curErr error
		fcErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cur, curErr = h.store.Current(r.Context(), q)
	}()
	go func() {
		defer wg.Done()
		fc, fcErr = h.store.Forecast(r.Context(), q)
	}()
	wg.Wait()

	if curErr != nil {
		h.recordOutcome(curErr)
		writeJSON(w, http.StatusOK, dashboard.BannerView(bannerForError(curErr)))
		return
	}
	h.recordOutcome(fcErr)

	view := dashboard.BuildView(cur, fc, units)
	if fcErr != nil {
		kind, msg := bannerForError(fcErr)
		view.Banner = &dashboard.Banner{Kind: kind, Message: msg}
		view.Cards = nil
		if h.logger != nil {
			h.logger.Debug("forecast unavailable for dashboard", zap.Error(fcErr))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// ListFavorites handles GET /api/favorites.
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDFromRequest(w, r)
	if !ok {
		return
	}
	favs, err := h.prefs.ListFavorites(r.Context(), clientID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to load favorites")
		return
	}
	if favs == nil {
		favs = []models.Favorite{}
	}
	writeJSON(w, http.StatusOK, favs)
}

// AddFavorite handles POST /api/favorites with body {label, city|lat&lon}.
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Label string   `json:"label"`
		City  string   `json:"city"`
		Lat   *float64 `json:"lat"`
		Lon   *float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}

	var q models.LocationQuery
	switch {
	case body.Lat != nil && body.Lon != nil:
		if err := validation.ValidateCoords(*body.Lat, *body.Lon); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDS", err.Error())
			return
		}
		q = models.CoordQuery(*body.Lat, *body.Lon)
	default:
		city, err := validation.ValidateCity(body.City, h.cityMinLen, h.cityMaxLen)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
			return
		}
		q = models.CityQuery(city)
	}

	fav, err := h.prefs.AddFavorite(r.Context(), clientID, body.Label, q)
	if errors.Is(err, prefs.ErrDuplicate) {
		writeError(w, r, http.StatusConflict, "DUPLICATE_FAVORITE", "location already pinned")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to save favorite")
		return
	}
	writeJSON(w, http.StatusCreated, fav)
}

// RemoveFavorite handles DELETE /api/favorites/{id}.
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDFromRequest(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	err := h.prefs.RemoveFavorite(r.Context(), clientID, id)
	if errors.Is(err, prefs.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "FAVORITE_NOT_FOUND", "favorite not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to remove favorite")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTheme handles GET /api/prefs/theme.
func (h *Handler) GetTheme(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDFromRequest(w, r)
	if !ok {
		return
	}
	theme, err := h.prefs.Theme(r.Context(), clientID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to load theme")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": string(theme)})
}

// PutTheme handles PUT /api/prefs/theme with body {theme}.
func (h *Handler) PutTheme(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Theme string `json:"theme"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}
	theme := models.Theme(body.Theme)
	if !theme.Valid() {
		writeError(w, r, http.StatusBadRequest, "INVALID_THEME", "theme must be light or dark")
		return
	}
	if err := h.prefs.SetTheme(r.Context(), clientID, theme); err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to save theme")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": string(theme)})
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
	if result.reason == "api_key_invalid" || result.reason == "error_rate_breach" {
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
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing() == nil {
			checks["prefs"] = "healthy"
		} else {
			checks["prefs"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-dashboard",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus evaluates health conditions in priority order:
// shutting-down > API key invalid > upstream error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.api.ValidateAPIKey(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.healthConfig != nil && h.tracker != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := h.tracker.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// dashboardTarget picks the location for the dashboard: explicit city, else
// browser coordinates resolved through the geolocation adapter. Failures come
// back as a banner, not an error status.
func (h *Handler) dashboardTarget(r *http.Request) (models.LocationQuery, *dashboard.Banner) {
	params := r.URL.Query()
	if city := params.Get("city"); city != "" {
		validCity, err := validation.ValidateCity(city, h.cityMinLen, h.cityMaxLen)
		if err != nil {
			return models.LocationQuery{}, &dashboard.Banner{Kind: "invalid_city", Message: err.Error()}
		}
		return models.CityQuery(validCity), nil
	}
	if params.Get("lat") != "" || params.Get("lon") != "" {
		lat, lon, err := coordsFromRequest(r)
		if err != nil {
			return models.LocationQuery{}, &dashboard.Banner{Kind: "location_unavailable", Message: "unable to determine your location"}
		}
		_, q, err := h.locator.Locate(r.Context(), lat, lon)
		if err != nil {
			return models.LocationQuery{}, &dashboard.Banner{Kind: "location_unavailable", Message: "unable to determine your location"}
		}
		return q, nil
	}
	// No city and no coordinates: the browser denied geolocation or has not
	// asked yet.
	return models.LocationQuery{}, &dashboard.Banner{Kind: "location_unavailable", Message: "allow location access or search for a city"}
}

// locationFromRequest parses ?city= or ?lat=&lon= and validates it, writing
// the 400 itself on failure.
func (h *Handler) locationFromRequest(w http.ResponseWriter, r *http.Request) (models.LocationQuery, bool) {
	params := r.URL.Query()
	if params.Get("lat") != "" || params.Get("lon") != "" {
		lat, lon, err := coordsFromRequest(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDS", err.Error())
			return models.LocationQuery{}, false
		}
		return models.CoordQuery(lat, lon), true
	}
	city, err := validation.ValidateCity(params.Get("city"), h.cityMinLen, h.cityMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return models.LocationQuery{}, false
	}
	return models.CityQuery(city), true
}

func (h *Handler) unitsFromRequest(r *http.Request) string {
	if u := r.URL.Query().Get("units"); u == "metric" || u == "imperial" {
		return u
	}
	return h.displayUnits
}

// recordOutcome feeds the degraded-state tracker. nil counts as success.
func (h *Handler) recordOutcome(err error) {
	if h.tracker == nil {
		return
	}
	if err != nil {
		h.tracker.RecordError()
	} else {
		h.tracker.RecordSuccess()
	}
}

func wantsRefresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	return v == "1" || v == "true"
}

func coordsFromRequest(r *http.Request) (lat, lon float64, err error) {
	params := r.URL.Query()
	lat, err = strconv.ParseFloat(strings.TrimSpace(params.Get("lat")), 64)
	if err != nil {
		return 0, 0, errors.New("lat must be a number")
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(params.Get("lon")), 64)
	if err != nil {
		return 0, 0, errors.New("lon must be a number")
	}
	if err := validation.ValidateCoords(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func clientIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_CLIENT_ID", clientIDHeader+" header is required")
		return "", false
	}
	return clientID, true
}

// bannerForError maps a fetch error to a dashboard banner.
func bannerForError(err error) (kind, message string) {
	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		return "city_not_found", "city not found"
	case errors.Is(err, geo.ErrLocationUnavailable):
		return "location_unavailable", "unable to determine your location"
	case errors.Is(err, client.ErrParse):
		return "upstream_error", "unexpected weather provider response"
	default:
		return "upstream_error", "unable to fetch weather data"
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
	corrID := observability.CorrelationIDFromContext(r.Context())
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeFetchError maps typed fetch errors onto HTTP responses. Logs the
// underlying error at DEBUG level via the request logger.
func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := fetchErrorResponse(err)
	writeError(w, r, status, code, message)
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Debug("fetch error", zap.Error(err))
	}
}

func fetchErrorResponse(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		return http.StatusNotFound, "CITY_NOT_FOUND", "city not found"
	case errors.Is(err, client.ErrRateLimited):
		return http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMITED", "weather provider rate limit exceeded"
	case errors.Is(err, client.ErrInvalidAPIKey):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "weather provider rejected our credentials"
	case errors.Is(err, client.ErrParse):
		return http.StatusBadGateway, "BAD_UPSTREAM_PAYLOAD", "unexpected weather provider response"
	case errors.Is(err, geo.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity, "LOCATION_UNAVAILABLE", "unable to determine your location"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "request timed out"
	case errors.Is(err, client.ErrNetwork), errors.Is(err, client.ErrHTTP):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to fetch weather data"
	}
	return http.StatusInternalServerError, "INTERNAL", "internal error"
}
