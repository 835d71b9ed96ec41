package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: https://example.com/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://example.com", cfg.Server.Origin)
	assert.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	assert.True(t, cfg.FallbackToMemory())
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL())
	assert.Equal(t, time.Hour, cfg.CacheSweepEvery())
	assert.Equal(t, 30*time.Second, cfg.ProbeEvery())
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.BackgroundSync())
	assert.True(t, cfg.ReplaySync())
	assert.Equal(t, "/api/contact/", cfg.Sync.Routes["sync-contact-form"])
	assert.Equal(t, "/api/notifications/subscribe", cfg.Push.SubscribePath)
	assert.Equal(t, "granted", cfg.Push.Permission)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.LogStatsEvery())
}

func TestParse_Full(t *testing.T) {
	raw := `
server:
  port: 9090
  origin: https://api.example.com
storage:
  backend: sqlite
  path: /tmp/x.db
  fallbackToMemory: false
  leveldb:
    writeBuffer: 4mb
    blockCache: 512kb
cache:
  maxEntries: 10
  ttl: 2h
  sweepEvery: 10m
  contentPath: /posts/{id}
  preload:
    sitemaps: [/sitemap.xml]
    initialDelay: 5s
    rediscoverEvery: 1h
sync:
  background: false
  probeEvery: 5s
  maxAttempts: 5
  routes:
    sync-analytics: /collect
logging:
  level: debug
  logStatsEvery: 1m
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.False(t, cfg.FallbackToMemory())
	assert.Equal(t, int64(4<<20), cfg.LevelDBWriteBuffer())
	assert.Equal(t, int64(512<<10), cfg.LevelDBBlockCache())
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL())
	assert.Equal(t, 10*time.Minute, cfg.CacheSweepEvery())
	assert.Equal(t, "/posts/{id}", cfg.Cache.ContentPath)
	assert.Equal(t, []string{"/sitemap.xml"}, cfg.Cache.Preload.Sitemaps)
	assert.Equal(t, 5*time.Second, cfg.PreloadDelay())
	assert.Equal(t, time.Hour, cfg.PreloadEvery())
	assert.False(t, cfg.BackgroundSync())
	assert.True(t, cfg.ReplaySync())
	assert.Equal(t, 5*time.Second, cfg.ProbeEvery())
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, "/collect", cfg.Sync.Routes["sync-analytics"])
	assert.Equal(t, "/api/contact/", cfg.Sync.Routes["sync-contact-form"])
	assert.Equal(t, time.Minute, cfg.LogStatsEvery())
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"missing origin": "server:\n  port: 1\n",
		"bad backend":    "server:\n  origin: http://x\nstorage:\n  backend: redis\n",
		"bad ttl":        "server:\n  origin: http://x\ncache:\n  ttl: soon\n",
		"bad size":       "server:\n  origin: http://x\nstorage:\n  leveldb:\n    writeBuffer: lots\n",
		"content path":   "server:\n  origin: http://x\ncache:\n  contentPath: /posts/\n",
		"relative route": "server:\n  origin: http://x\nsync:\n  routes:\n    sync-analytics: collect\n",
		"zero probe":     "server:\n  origin: http://x\nsync:\n  probeEvery: 0s\n",
		"negative limit": "server:\n  origin: http://x\ncache:\n  maxEntries: -1\n",
		"bad permission": "server:\n  origin: http://x\npush:\n  permission: maybe\n",
		"malformed yaml": "server: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE0_ORIGIN", "https://env.example.com")
	t.Setenv("OFFLINE0_PORT", "7070")
	t.Setenv("OFFLINE0_STORAGE_BACKEND", "memory")
	t.Setenv("OFFLINE0_LOG_LEVEL", "warn")

	cfg, err := Parse([]byte("server:\n  origin: https://file.example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Server.Origin)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://localhost:8000\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.Server.Origin)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"1k":    1024,
		"1kb":   1024,
		"4mb":   4 << 20,
		"1.5g":  3 << 29,
		" 2 MB": 2 << 20,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "b", "-1", "abc"} {
		_, err := ParseBytes(in)
		assert.Error(t, err, in)
	}
}
