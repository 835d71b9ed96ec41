package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFLINE0_PORT"`
		Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
		// AllowedOrigins lists browser origins allowed to call the API.
		AllowedOrigins []string `yaml:"allowedOrigins" env:"OFFLINE0_ALLOWED_ORIGINS"`
	} `yaml:"server"`

	Storage struct {
		Backend          string `yaml:"backend" env:"OFFLINE0_STORAGE_BACKEND"`
		Path             string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
		FallbackToMemory *bool  `yaml:"fallbackToMemory"`
		LevelDB          struct {
			WriteBuffer string `yaml:"writeBuffer"`
			BlockCache  string `yaml:"blockCache"`

			writeBufferBytes int64
			blockCacheBytes  int64
		} `yaml:"leveldb"`
	} `yaml:"storage"`

	Cache struct {
		MaxEntries  int    `yaml:"maxEntries"`
		TTL         string `yaml:"ttl"`
		SweepEvery  string `yaml:"sweepEvery"`
		ContentPath string `yaml:"contentPath"`

		Preload struct {
			Sitemaps        []string `yaml:"sitemaps"`
			PathPrefix      string   `yaml:"pathPrefix"`
			InitialDelay    string   `yaml:"initialDelay"`
			RediscoverEvery string   `yaml:"rediscoverEvery"`

			initialDelayDur    time.Duration
			rediscoverEveryDur time.Duration
		} `yaml:"preload"`

		ttlDur        time.Duration
		sweepEveryDur time.Duration
	} `yaml:"cache"`

	Sync struct {
		Background  *bool             `yaml:"background"`
		Replay      *bool             `yaml:"replay"`
		ProbePath   string            `yaml:"probePath"`
		ProbeEvery  string            `yaml:"probeEvery"`
		MaxAttempts int               `yaml:"maxAttempts"`
		Routes      map[string]string `yaml:"routes"`

		probeEveryDur time.Duration
	} `yaml:"sync"`

	Push struct {
		VAPIDPublicKey string `yaml:"vapidPublicKey" env:"OFFLINE0_VAPID_PUBLIC_KEY"`
		SubscribePath  string `yaml:"subscribePath"`
		// Permission is what the local permission prompt answers:
		// "granted" or "denied".
		Permission string `yaml:"permission"`
	} `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// DefaultRoutes maps queue tag categories to the upstream path their payload
// is replayed to.
var DefaultRoutes = map[string]string{
	"sync-contact-form":     "/api/contact/",
	"sync-analytics":        "/api/analytics/",
	"sync-user-preferences": "/api/preferences/",
}

// Load reads the YAML file at path, applies environment overrides, fills in
// defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = BackendLevelDB
	}
	switch st.Backend {
	case BackendLevelDB, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", st.Backend)
	}
	if st.Path == "" {
		st.Path = "./data/offline0"
	}
	if st.FallbackToMemory == nil {
		st.FallbackToMemory = boolPtr(true)
	}
	if st.LevelDB.WriteBuffer != "" {
		n, err := ParseBytes(st.LevelDB.WriteBuffer)
		if err != nil {
			return fmt.Errorf("storage.leveldb.writeBuffer: %w", err)
		}
		st.LevelDB.writeBufferBytes = n
	}
	if st.LevelDB.BlockCache != "" {
		n, err := ParseBytes(st.LevelDB.BlockCache)
		if err != nil {
			return fmt.Errorf("storage.leveldb.blockCache: %w", err)
		}
		st.LevelDB.blockCacheBytes = n
	}

	c := &cfg.Cache
	if c.MaxEntries == 0 {
		c.MaxEntries = 50
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("cache.maxEntries must be positive")
	}
	var err error
	if c.ttlDur, err = durationOr(c.TTL, 24*time.Hour); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if c.sweepEveryDur, err = durationOr(c.SweepEvery, time.Hour); err != nil {
		return fmt.Errorf("cache.sweepEvery: %w", err)
	}
	if c.ContentPath == "" {
		c.ContentPath = "/api/blog-posts/{id}/"
	}
	if !strings.Contains(c.ContentPath, "{id}") {
		return fmt.Errorf("cache.contentPath must contain {id}")
	}
	if c.Preload.PathPrefix == "" {
		c.Preload.PathPrefix = "/blog/"
	}
	if c.Preload.initialDelayDur, err = durationOr(c.Preload.InitialDelay, 0); err != nil {
		return fmt.Errorf("cache.preload.initialDelay: %w", err)
	}
	if c.Preload.rediscoverEveryDur, err = durationOr(c.Preload.RediscoverEvery, 0); err != nil {
		return fmt.Errorf("cache.preload.rediscoverEvery: %w", err)
	}

	s := &cfg.Sync
	if s.Background == nil {
		s.Background = boolPtr(true)
	}
	if s.Replay == nil {
		s.Replay = boolPtr(true)
	}
	if s.ProbePath == "" {
		s.ProbePath = "/api/health/"
	}
	if s.probeEveryDur, err = durationOr(s.ProbeEvery, 30*time.Second); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if s.probeEveryDur <= 0 {
		return fmt.Errorf("sync.probeEvery must be positive")
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	routes := make(map[string]string, len(DefaultRoutes)+len(s.Routes))
	for k, v := range DefaultRoutes {
		routes[k] = v
	}
	for k, v := range s.Routes {
		if !strings.HasPrefix(v, "/") {
			return fmt.Errorf("sync.routes[%s]: path must start with /", k)
		}
		routes[k] = v
	}
	s.Routes = routes

	if cfg.Push.SubscribePath == "" {
		cfg.Push.SubscribePath = "/api/notifications/subscribe"
	}
	switch cfg.Push.Permission {
	case "":
		cfg.Push.Permission = "granted"
	case "granted", "denied":
	default:
		return fmt.Errorf("push.permission must be granted or denied")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.logStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func boolPtr(b bool) *bool { return &b }

func (cfg *Config) LevelDBWriteBuffer() int64      { return cfg.Storage.LevelDB.writeBufferBytes }
func (cfg *Config) LevelDBBlockCache() int64       { return cfg.Storage.LevelDB.blockCacheBytes }
func (cfg *Config) FallbackToMemory() bool         { return *cfg.Storage.FallbackToMemory }
func (cfg *Config) CacheTTL() time.Duration        { return cfg.Cache.ttlDur }
func (cfg *Config) CacheSweepEvery() time.Duration { return cfg.Cache.sweepEveryDur }
func (cfg *Config) PreloadDelay() time.Duration    { return cfg.Cache.Preload.initialDelayDur }
func (cfg *Config) PreloadEvery() time.Duration    { return cfg.Cache.Preload.rediscoverEveryDur }
func (cfg *Config) ProbeEvery() time.Duration      { return cfg.Sync.probeEveryDur }
func (cfg *Config) BackgroundSync() bool           { return *cfg.Sync.Background }
func (cfg *Config) ReplaySync() bool               { return *cfg.Sync.Replay }
func (cfg *Config) LogStatsEvery() time.Duration   { return cfg.Logging.logStatsEveryDur }
