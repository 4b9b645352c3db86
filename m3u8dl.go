// Package m3u8dl downloads HLS (m3u8) streams into single media files.
//
// Basic usage:
//
//	d, err := m3u8dl.New(
//		m3u8dl.WithTargetDir("downloads"),
//		m3u8dl.WithWorkers(8),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	if err := d.Download(ctx, "https://example.com/video.m3u8", "video.ts", nil); err != nil {
//		log.Fatal(err)
//	}
//
// Or use the convenience function:
//
//	err := m3u8dl.DownloadURL(ctx, "https://example.com/video.m3u8", "video.ts")
package m3u8dl

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/mohaanymo/m3u8dl/internal/config"
	"github.com/mohaanymo/m3u8dl/internal/engine"
	"github.com/mohaanymo/m3u8dl/internal/httpclient"
	"github.com/mohaanymo/m3u8dl/internal/observability"
)

// Downloader is the main API for downloading HLS streams.
// It owns one engine, one transport and one metrics registry.
type Downloader struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *observability.Metrics
	transport *httpclient.Manager
	eng       *engine.Engine
}

// Option configures the downloader.
type Option func(*config.Config)

// New creates a Downloader from the built-in defaults and the given options.
func New(opts ...Option) (*Downloader, error) {
	cfg := config.New()
	for _, opt := range opts {
		opt(cfg)
	}

	return NewWithConfig(cfg, nil)
}

// NewWithConfig creates a Downloader from a complete configuration.
// A nil logger uses slog.Default().
func NewWithConfig(cfg *config.Config, log *slog.Logger) (*Downloader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	metrics := observability.New()
	transport := httpclient.NewManager(httpclient.FromConfig(cfg.HTTP), log, metrics)

	eng, err := engine.New(cfg, transport, log, engine.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	return &Downloader{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		transport: transport,
		eng:       eng,
	}, nil
}

// WithWorkDir sets where segment files are kept while downloading.
func WithWorkDir(dir string) Option {
	return func(c *config.Config) {
		c.Dir.Work = dir
	}
}

// WithTargetDir sets where merged files are written.
func WithTargetDir(dir string) Option {
	return func(c *config.Config) {
		c.Dir.Target = dir
	}
}

// WithWorkers sets the size of the shared worker pool (default: number of CPUs, max: 256).
func WithWorkers(n int) Option {
	return func(c *config.Config) {
		c.Pool.Workers = n
	}
}

// WithHeaders adds custom HTTP headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *config.Config) {
		if c.HTTP.Headers == nil {
			c.HTTP.Headers = make(map[string]string, len(headers))
		}
		maps.Copy(c.HTTP.Headers, headers)
	}
}

// WithHeader adds a single HTTP header.
func WithHeader(key, value string) Option {
	return WithHeaders(map[string]string{key: value})
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) {
		c.HTTP.UserAgent = ua
	}
}

// WithProxy routes every request through the given proxy URL.
func WithProxy(proxy string) Option {
	return func(c *config.Config) {
		c.HTTP.Proxy = proxy
	}
}

// WithRetries sets how many times a failed request is retried (max: 20).
func WithRetries(n int) Option {
	return func(c *config.Config) {
		c.HTTP.Retries = n
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config.Config) {
		c.HTTP.Timeout = d
	}
}

// WithMaxBandwidth sets maximum download speed in bytes per second, shared by all jobs.
// Set to 0 for unlimited (default).
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(c *config.Config) {
		c.HTTP.MaxBandwidth = bytesPerSec
	}
}

// WithMergeBackend sets the merge backend: "auto", "concat", "ffmpeg" or "fmp4" (default: "auto").
func WithMergeBackend(backend string) Option {
	return func(c *config.Config) {
		c.Merge.Backend = backend
	}
}

// WithFFmpegPath sets the ffmpeg binary used by the ffmpeg backend.
func WithFFmpegPath(path string) Option {
	return func(c *config.Config) {
		c.Merge.FFmpegPath = path
	}
}

// WithDeleteSegments controls whether segment files are removed after a successful merge (default: true).
func WithDeleteSegments(del bool) Option {
	return func(c *config.Config) {
		c.Merge.DeleteSegments = del
	}
}

// WithProgressInterval sets how often listeners receive progress updates (default: 1s).
func WithProgressInterval(d time.Duration) Option {
	return func(c *config.Config) {
		c.Progress.Interval = d
	}
}

// Config returns the validated configuration. It must not be modified.
func (d *Downloader) Config() *config.Config { return d.cfg }

// Metrics returns the downloader metrics.
func (d *Downloader) Metrics() *observability.Metrics { return d.metrics }

// NewJob creates a job writing fileName into the target directory.
func (d *Downloader) NewJob(url, fileName string, opts JobOptions) (*Job, error) {
	return d.eng.NewJob(url, fileName, opts)
}

// Submit starts downloading url in the background. l may be nil.
func (d *Downloader) Submit(ctx context.Context, url, fileName string, opts JobOptions, l Listener) (*Future, error) {
	job, err := d.eng.NewJob(url, fileName, opts)
	if err != nil {
		return nil, err
	}
	return d.eng.Submit(ctx, job, l)
}

// SubmitJob starts a job created with NewJob.
func (d *Downloader) SubmitJob(ctx context.Context, job *Job, l Listener) (*Future, error) {
	return d.eng.Submit(ctx, job, l)
}

// Download downloads url into fileName and blocks until the merged file is written.
// Canceling ctx cancels the job; partially downloaded segments stay on disk for a later resume.
func (d *Downloader) Download(ctx context.Context, url, fileName string, l Listener) error {
	future, err := d.Submit(ctx, url, fileName, JobOptions{}, l)
	if err != nil {
		return err
	}

	select {
	case <-future.Done():
		return future.Err()
	case <-ctx.Done():
		future.Cancel()
		<-future.Done()
		return errors.Join(ctx.Err(), future.Err())
	}
}

// Close stops accepting jobs and waits for running ones, bounded by the configured shutdown timeout.
// Always call Close() when done, preferably with defer.
func (d *Downloader) Close() error {
	return d.eng.Shutdown(d.cfg.ShutdownTimeout)
}

// DownloadURL is a convenience function for a single download with its own Downloader.
func DownloadURL(ctx context.Context, url, fileName string, opts ...Option) error {
	d, err := New(opts...)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Download(ctx, url, fileName, nil)
}
