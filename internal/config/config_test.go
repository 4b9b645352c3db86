package config

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 256, cfg.Pool.QueueSize)
	assert.Equal(t, 3, cfg.HTTP.Retries)
	assert.Equal(t, BackendAuto, cfg.Merge.Backend)
	assert.True(t, cfg.Merge.DeleteSegments)
	assert.Equal(t, time.Second, cfg.Progress.Interval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.NotNil(t, cfg.HTTP.Headers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("M3U8DL_POOL_WORKERS", "3")
	t.Setenv("M3U8DL_HTTP_RETRIES", "7")
	t.Setenv("M3U8DL_HTTP_HEADERS", "Referer:https://example.com,X-Token:abc")
	t.Setenv("M3U8DL_MERGE_BACKEND", "concat")
	t.Setenv("M3U8DL_DIR_WORK", "work")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.Workers)
	assert.Equal(t, 7, cfg.HTTP.Retries)
	assert.Equal(t, "https://example.com", cfg.HTTP.Headers["Referer"])
	assert.Equal(t, "abc", cfg.HTTP.Headers["X-Token"])
	assert.Equal(t, BackendConcat, cfg.Merge.Backend)
	assert.True(t, filepath.IsAbs(cfg.Dir.Work))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name:   "zero workers uses cpu count",
			mutate: func(c *Config) { c.Pool.Workers = 0 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, runtime.NumCPU(), c.Pool.Workers)
			},
		},
		{
			name:   "workers clamped",
			mutate: func(c *Config) { c.Pool.Workers = 10000 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, MaxWorkers, c.Pool.Workers)
			},
		},
		{
			name:   "negative retries clamped",
			mutate: func(c *Config) { c.HTTP.Retries = -4 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 0, c.HTTP.Retries)
			},
		},
		{
			name:   "empty backend means auto",
			mutate: func(c *Config) { c.Merge.Backend = "" },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, BackendAuto, c.Merge.Backend)
			},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Merge.Backend = "gstreamer" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
