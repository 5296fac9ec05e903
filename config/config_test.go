package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ROOM_CODE_LENGTH", "")
	os.Unsetenv("ROOM_CODE_LENGTH")

	cfg := fromEnv()
	assert.Equal(t, 6, cfg.RoomCodeLength)
	assert.Equal(t, 5, cfg.RoomCodeRetries)
	assert.Equal(t, time.Duration(0), cfg.RoomReapAfter)
	assert.Equal(t, 10*time.Minute, cfg.SearchCacheTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("ROOM_REAP_AFTER", "90s")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("SEARCH_MAX_RESULTS", "not-a-number")
	t.Setenv("REDIS_HOST", "cache.local")

	cfg := fromEnv()
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 90*time.Second, cfg.RoomReapAfter)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, 20, cfg.SearchMaxResults)
	assert.True(t, cfg.RedisEnabled())
}

func TestWatchReloadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=info\n"), 0o644))
	t.Setenv("LOG_LEVEL", "info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	go Watch(ctx, path, func(c *Config) { changed <- c })

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after writing the env file")
	}
}
