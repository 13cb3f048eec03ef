package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIBaseURL string
	WeatherGeoURL     string
	WeatherAPITimeout time.Duration
	UpstreamUnits     string // unit system requested from the provider
	DisplayUnits      string // default display unit system

	RequestTimeout time.Duration

	StalenessWindow time.Duration // snapshots older than this refetch in the background
	CacheRetention  time.Duration
	CoalesceTimeout time.Duration
	CacheBackend    string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	PrefsDBPath string

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled  bool
	CircuitBreakerInterval time.Duration
	CircuitBreakerTimeout  time.Duration

	PrefetchEnabled  bool
	PrefetchInterval time.Duration
	TrackedCities    []string

	GeocodeResultLimit int
	CityMinLength      int
	CityMaxLength      int

	DegradedWindow   time.Duration
	DegradedErrorPct int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL string `yaml:"base_url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
		Units   string `yaml:"units"`
	} `yaml:"weather_api"`

	Display struct {
		Units string `yaml:"units"`
	} `yaml:"display"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		StalenessWindow string `yaml:"staleness_window"`
		Retention       string `yaml:"retention"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Prefs struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"prefs"`

	Reliability struct {
		RateLimitRPS           int    `yaml:"rate_limit_rps"`
		RateLimitBurst         int    `yaml:"rate_limit_burst"`
		CircuitBreakerEnabled  *bool  `yaml:"circuit_breaker_enabled"`
		CircuitBreakerInterval string `yaml:"circuit_breaker_interval"`
		CircuitBreakerTimeout  string `yaml:"circuit_breaker_timeout"`
	} `yaml:"reliability"`

	Prefetch struct {
		Enabled       *bool    `yaml:"enabled"`
		Interval      string   `yaml:"interval"`
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"prefetch"`

	Search struct {
		GeocodeResultLimit int `yaml:"geocode_result_limit"`
		CityMinLength      int `yaml:"city_min_length"`
		CityMaxLength      int `yaml:"city_max_length"`
	} `yaml:"search"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. A .env file is loaded first if present. API key comes
// from WEATHER_API_KEY env or the secrets file. Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WeatherAPIKey = sec.WeatherAPIKey
		}
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIBaseURL = fc.WeatherAPI.BaseURL
	if cfg.WeatherAPIBaseURL == "" {
		cfg.WeatherAPIBaseURL = "https://api.openweathermap.org/data/2.5"
	}
	cfg.WeatherGeoURL = fc.WeatherAPI.GeoURL
	if cfg.WeatherGeoURL == "" {
		cfg.WeatherGeoURL = "https://api.openweathermap.org/geo/1.0"
	}
	cfg.WeatherAPITimeout = parseDuration(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.UpstreamUnits = strings.TrimSpace(strings.ToLower(fc.WeatherAPI.Units))
	if cfg.UpstreamUnits == "" {
		cfg.UpstreamUnits = "metric"
	}
	cfg.DisplayUnits = strings.TrimSpace(strings.ToLower(fc.Display.Units))
	if cfg.DisplayUnits == "" {
		cfg.DisplayUnits = "metric"
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.StalenessWindow = parseDuration(fc.Cache.StalenessWindow, 5*time.Minute)
	cfg.CacheRetention = parseDuration(fc.Cache.Retention, 30*time.Minute)
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 10*time.Second)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.PrefsDBPath = strings.TrimSpace(os.Getenv("PREFS_DB_PATH"))
	if cfg.PrefsDBPath == "" {
		cfg.PrefsDBPath = strings.TrimSpace(fc.Prefs.DBPath)
	}
	if cfg.PrefsDBPath == "" {
		cfg.PrefsDBPath = "weatherdash.db"
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreakerEnabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreakerEnabled
	}
	cfg.CircuitBreakerInterval = parseDuration(fc.Reliability.CircuitBreakerInterval, time.Minute)
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreakerTimeout, 2*time.Minute)

	cfg.PrefetchEnabled = false
	if fc.Prefetch.Enabled != nil {
		cfg.PrefetchEnabled = *fc.Prefetch.Enabled
	}
	cfg.PrefetchInterval = parseDuration(fc.Prefetch.Interval, 10*time.Minute)
	cfg.TrackedCities = fc.Prefetch.TrackedCities

	cfg.GeocodeResultLimit = fc.Search.GeocodeResultLimit
	if cfg.GeocodeResultLimit <= 0 {
		cfg.GeocodeResultLimit = 5
	}
	cfg.CityMinLength = fc.Search.CityMinLength
	if cfg.CityMinLength <= 0 {
		cfg.CityMinLength = 2
	}
	cfg.CityMaxLength = fc.Search.CityMaxLength
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = 85
	}

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal on empty
// string, parse error, or a result <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout to exceed the upstream timeout.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.UpstreamUnits {
	case "metric", "imperial", "standard":
		// valid
	default:
		return fmt.Errorf("weather_api.units must be metric, imperial or standard, got %q", cfg.UpstreamUnits)
	}
	switch cfg.DisplayUnits {
	case "metric", "imperial":
		// valid
	default:
		return fmt.Errorf("display.units must be metric or imperial, got %q", cfg.DisplayUnits)
	}
	if cfg.CacheRetention <= cfg.StalenessWindow {
		cfg.CacheRetention = 6 * cfg.StalenessWindow
	}
	return nil
}
