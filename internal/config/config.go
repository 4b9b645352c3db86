// Package config provides configuration types for the downloader.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	App      App
	Pool     Pool
	Dir      Dir
	HTTP     HTTP
	Merge    Merge
	Progress Progress

	// ShutdownTimeout bounds the coordinated shutdown of pool, progress and transport.
	ShutdownTimeout time.Duration `env:"M3U8DL_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// App holds logging settings.
type App struct {
	LogLevel  string `env:"M3U8DL_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"M3U8DL_LOG_FORMAT" envDefault:"text"`
}

// Pool sizes the shared worker pool.
type Pool struct {
	// Workers defaults to runtime.NumCPU() when zero.
	Workers   int `env:"M3U8DL_POOL_WORKERS"    envDefault:"0"`
	QueueSize int `env:"M3U8DL_POOL_QUEUE_SIZE" envDefault:"256"`
}

// Dir holds the work directory (segment files) and target directory (merged files).
type Dir struct {
	Work   string `env:"M3U8DL_DIR_WORK"   envDefault:"./data/work"`
	Target string `env:"M3U8DL_DIR_TARGET" envDefault:"./data/downloads"`
}

// HTTP holds transport settings.
type HTTP struct {
	Timeout         time.Duration     `env:"M3U8DL_HTTP_TIMEOUT"            envDefault:"60s"`
	Retries         int               `env:"M3U8DL_HTTP_RETRIES"            envDefault:"3"`
	RetryDelay      time.Duration     `env:"M3U8DL_HTTP_RETRY_DELAY"        envDefault:"500ms"`
	MaxBandwidth    int64             `env:"M3U8DL_HTTP_MAX_BANDWIDTH"      envDefault:"0"` // bytes per second, 0 = unlimited
	MaxConnsPerHost int               `env:"M3U8DL_HTTP_MAX_CONNS_PER_HOST" envDefault:"100"`
	Proxy           string            `env:"M3U8DL_HTTP_PROXY"              envDefault:""`
	UserAgent       string            `env:"M3U8DL_HTTP_USER_AGENT"         envDefault:"m3u8dl/1.0"`
	Headers         map[string]string `env:"M3U8DL_HTTP_HEADERS"`
}

// Merge holds merge step settings.
type Merge struct {
	// Backend is one of auto, concat, ffmpeg, fmp4.
	Backend        string `env:"M3U8DL_MERGE_BACKEND"         envDefault:"auto"`
	FFmpegPath     string `env:"M3U8DL_MERGE_FFMPEG_PATH"     envDefault:""`
	DeleteSegments bool   `env:"M3U8DL_MERGE_DELETE_SEGMENTS" envDefault:"true"`
}

// Progress holds progress scheduler settings.
type Progress struct {
	Interval time.Duration `env:"M3U8DL_PROGRESS_INTERVAL" envDefault:"1s"`
	// Retain is how many finished jobs stay in the scheduler before pruning.
	Retain int `env:"M3U8DL_PROGRESS_RETAIN" envDefault:"64"`
}

// Merge backends.
const (
	BackendAuto   = "auto"
	BackendConcat = "concat"
	BackendFFmpeg = "ffmpeg"
	BackendFMP4   = "fmp4"
)

// Limits.
const (
	MaxWorkers   = 256
	MinQueueSize = 1
	MaxRetries   = 20
)

// New returns a Config populated with the envDefault values only.
func New() *Config {
	cfg := &Config{}
	// An empty environment cannot fail to parse; defaults are static.
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	cfg.HTTP.Headers = make(map[string]string)

	return cfg
}

// Load reads the configuration from M3U8DL_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate normalizes values and resolves directories to absolute paths.
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = runtime.NumCPU()
	}
	if c.Pool.Workers > MaxWorkers {
		c.Pool.Workers = MaxWorkers
	}
	if c.Pool.QueueSize < MinQueueSize {
		c.Pool.QueueSize = MinQueueSize
	}

	if c.HTTP.Retries < 0 {
		c.HTTP.Retries = 0
	}
	if c.HTTP.Retries > MaxRetries {
		c.HTTP.Retries = MaxRetries
	}
	if c.HTTP.MaxBandwidth < 0 {
		c.HTTP.MaxBandwidth = 0
	}
	if c.HTTP.Headers == nil {
		c.HTTP.Headers = make(map[string]string)
	}

	switch c.Merge.Backend {
	case BackendAuto, BackendConcat, BackendFFmpeg, BackendFMP4:
	case "":
		c.Merge.Backend = BackendAuto
	default:
		return fmt.Errorf("invalid merge backend %q", c.Merge.Backend)
	}

	if c.Progress.Interval <= 0 {
		c.Progress.Interval = time.Second
	}
	if c.Progress.Retain < 0 {
		c.Progress.Retain = 0
	}

	var err error
	if c.Dir.Work, err = filepath.Abs(c.Dir.Work); err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	if c.Dir.Target, err = filepath.Abs(c.Dir.Target); err != nil {
		return fmt.Errorf("target dir: %w", err)
	}

	return nil
}
