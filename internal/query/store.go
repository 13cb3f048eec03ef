package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lmarchetti/weather-dashboard/internal/cache"
	"github.com/lmarchetti/weather-dashboard/internal/client"
	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/observability"
)

// Kind is the endpoint kind component of a cache key.
type Kind string

const (
	KindCurrent  Kind = "current"
	KindForecast Kind = "forecast"
	KindGeocode  Kind = "geocode"
)

// State is the tri-state fetch status for a key.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Result is the non-blocking view of one key's state.
type Result struct {
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	Err       error     `json:"-"`
}

// Options configures a Store.
type Options struct {
	// Window is the staleness window: snapshots older than this are served
	// stale and trigger one background refetch on next access.
	Window time.Duration
	// Retention bounds how long snapshots stay in the cache at all.
	Retention time.Duration
	// CoalesceTimeout caps how long a caller waits on a shared fetch.
	CoalesceTimeout time.Duration
	// FetchTimeout is the budget for a detached upstream fetch.
	FetchTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.Retention <= o.Window {
		o.Retention = 6 * o.Window
	}
	if o.CoalesceTimeout <= 0 {
		o.CoalesceTimeout = 10 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
}

// Store is the query/cache layer between handlers and the weather API.
// It guarantees one in-flight fetch per key, a bounded staleness window with
// background refresh on stale access, and last-write-wins per key by version
// check. Errors surface to the caller without silent retry.
type Store struct {
	api    client.WeatherAPI
	cache  cache.Cache
	opts   Options
	logger *zap.Logger

	fetches *coalescer

	mu         sync.Mutex
	versions   map[string]uint64
	refreshing map[string]bool
	lastErr    map[string]error
}

// NewStore returns a Store over api and c.
func NewStore(api client.WeatherAPI, c cache.Cache, opts Options, logger *zap.Logger) *Store {
	opts.applyDefaults()
	return &Store{
		api:        api,
		cache:      c,
		opts:       opts,
		logger:     logger,
		fetches:    newCoalescer(opts.CoalesceTimeout),
		versions:   make(map[string]uint64),
		refreshing: make(map[string]bool),
		lastErr:    make(map[string]error),
	}
}

// Window returns the configured staleness window.
func (s *Store) Window() time.Duration {
	return s.opts.Window
}

// Current returns current conditions for q, from cache when fresh.
func (s *Store) Current(ctx context.Context, q models.LocationQuery) (models.CurrentWeather, error) {
	key := cacheKey(KindCurrent, q.Key())
	raw, stale, err := s.resolve(ctx, KindCurrent, key, func(fctx context.Context) (any, error) {
		return s.api.CurrentWeather(fctx, q)
	})
	if err != nil {
		return models.CurrentWeather{}, err
	}
	var out models.CurrentWeather
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.CurrentWeather{}, fmt.Errorf("%w: cached snapshot: %v", client.ErrParse, err)
	}
	out.Stale = stale
	return out, nil
}

// Forecast returns the 5-day forecast for q, from cache when fresh.
func (s *Store) Forecast(ctx context.Context, q models.LocationQuery) (models.Forecast, error) {
	key := cacheKey(KindForecast, q.Key())
	raw, stale, err := s.resolve(ctx, KindForecast, key, func(fctx context.Context) (any, error) {
		return s.api.FiveDayForecast(fctx, q)
	})
	if err != nil {
		return models.Forecast{}, err
	}
	var out models.Forecast
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Forecast{}, fmt.Errorf("%w: cached snapshot: %v", client.ErrParse, err)
	}
	out.Stale = stale
	return out, nil
}

// GeocodeCity resolves a city search, from cache when fresh.
func (s *Store) GeocodeCity(ctx context.Context, city string, limit int) ([]models.GeoPlace, error) {
	if limit <= 0 {
		limit = 5
	}
	key := cacheKey(KindGeocode, fmt.Sprintf("%s:l%d", models.CityQuery(city).Key(), limit))
	raw, _, err := s.resolve(ctx, KindGeocode, key, func(fctx context.Context) (any, error) {
		return s.api.GeocodeCity(fctx, city, limit)
	})
	if err != nil {
		return nil, err
	}
	var out []models.GeoPlace
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: cached snapshot: %v", client.ErrParse, err)
	}
	return out, nil
}

// ReverseGeocode resolves coordinates to places, from cache when fresh.
func (s *Store) ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.GeoPlace, error) {
	key := cacheKey(KindGeocode, models.CoordQuery(lat, lon).Key())
	raw, _, err := s.resolve(ctx, KindGeocode, key, func(fctx context.Context) (any, error) {
		return s.api.ReverseGeocode(fctx, lat, lon)
	})
	if err != nil {
		return nil, err
	}
	var out []models.GeoPlace
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: cached snapshot: %v", client.ErrParse, err)
	}
	return out, nil
}

// Peek reports the tri-state status of a key without fetching.
func (s *Store) Peek(ctx context.Context, kind Kind, q models.LocationQuery) Result {
	key := cacheKey(kind, q.Key())
	snap, ok, err := s.cache.Get(ctx, key)
	if err == nil && ok {
		return Result{
			State:     StateReady,
			UpdatedAt: snap.FetchedAt,
			Stale:     snap.Age(time.Now()) > s.opts.Window,
		}
	}
	if s.fetches.Active(key) {
		return Result{State: StateLoading}
	}
	s.mu.Lock()
	lastErr := s.lastErr[key]
	s.mu.Unlock()
	if lastErr != nil {
		return Result{State: StateFailed, Err: lastErr}
	}
	return Result{State: StateLoading}
}

// Invalidate drops the snapshot for kind+q so the next access refetches.
// Used for user-triggered refresh; superseded late completions are discarded
// by the version bump.
func (s *Store) Invalidate(ctx context.Context, kind Kind, q models.LocationQuery) {
	key := cacheKey(kind, q.Key())
	s.mu.Lock()
	s.versions[key]++
	delete(s.lastErr, key)
	s.mu.Unlock()
	if err := s.cache.Delete(ctx, key); err != nil && s.logger != nil {
		s.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// resolve is the cache-aside core shared by all typed accessors. Returns the
// raw snapshot payload and whether it was served past the staleness window.
func (s *Store) resolve(ctx context.Context, kind Kind, key string, fetch func(context.Context) (any, error)) (json.RawMessage, bool, error) {
	snap, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		ok = false
	}
	if ok {
		if snap.Age(time.Now()) <= s.opts.Window {
			observability.CacheHitsTotal.WithLabelValues(string(kind)).Inc()
			return snap.Payload, false, nil
		}
		// Past the window: serve the stale snapshot wholesale and trigger
		// exactly one background refetch for the key.
		observability.StaleServesTotal.WithLabelValues(string(kind)).Inc()
		s.refresh(kind, key, fetch)
		return snap.Payload, true, nil
	}

	observability.CacheMissesTotal.WithLabelValues(string(kind)).Inc()
	raw, err := s.fetchAndInstall(ctx, kind, key, fetch)
	if err != nil {
		return nil, false, err
	}
	return raw, false, nil
}

// fetchAndInstall runs (or joins) the coalesced fetch for key and installs the
// result into the cache. The fetch itself is detached from ctx: if the caller
// cancels, the completed result still lands in the cache.
func (s *Store) fetchAndInstall(ctx context.Context, kind Kind, key string, fetch func(context.Context) (any, error)) (json.RawMessage, error) {
	s.mu.Lock()
	startVersion := s.versions[key]
	s.mu.Unlock()

	v, joined, err := s.fetches.GetOrDo(ctx, key, func() (any, error) {
		raw, err := s.doFetch(kind, key, fetch, startVersion)
		if err != nil {
			return nil, err
		}
		return raw, nil
	})
	if joined {
		observability.CoalescedWaitsTotal.WithLabelValues(string(kind)).Inc()
	}
	if err != nil {
		return nil, err
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected coalesced payload", client.ErrParse)
	}
	return raw, nil
}

// doFetch performs one upstream fetch with the store's own deadline, records
// the error state, and installs the encoded result subject to version check.
func (s *Store) doFetch(kind Kind, key string, fetch func(context.Context) (any, error), startVersion uint64) (json.RawMessage, error) {
	fctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
	defer cancel()

	value, err := fetch(fctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr[key] = err
		s.mu.Unlock()
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	s.install(kind, key, raw, startVersion)
	return raw, nil
}

// install stores raw as the snapshot for key unless a newer version was
// installed while the fetch ran (last-write-wins; superseded results are
// discarded, never merged).
func (s *Store) install(kind Kind, key string, raw []byte, startVersion uint64) {
	s.mu.Lock()
	if s.versions[key] != startVersion {
		s.mu.Unlock()
		observability.SupersededResultsTotal.Inc()
		return
	}
	s.versions[key] = startVersion + 1
	delete(s.lastErr, key)
	version := s.versions[key]
	s.mu.Unlock()

	snap := cache.Snapshot{
		Kind:      string(kind),
		Payload:   raw,
		FetchedAt: time.Now().UTC(),
		Version:   version,
	}
	if err := s.cache.Set(context.Background(), key, snap, s.opts.Retention); err != nil && s.logger != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// refresh launches the single background refetch for a stale key. Concurrent
// stale accesses while it runs do not start another.
func (s *Store) refresh(kind Kind, key string, fetch func(context.Context) (any, error)) {
	s.mu.Lock()
	if s.refreshing[key] {
		s.mu.Unlock()
		return
	}
	s.refreshing[key] = true
	startVersion := s.versions[key]
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, key)
			s.mu.Unlock()
		}()
		if _, err := s.doFetch(kind, key, fetch, startVersion); err != nil {
			observability.BackgroundRefreshTotal.WithLabelValues(string(kind), "error").Inc()
			if s.logger != nil {
				s.logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
			}
			return
		}
		observability.BackgroundRefreshTotal.WithLabelValues(string(kind), "success").Inc()
	}()
}

func cacheKey(kind Kind, locKey string) string {
	return string(kind) + ":" + locKey
}
