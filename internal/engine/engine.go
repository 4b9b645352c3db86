// Package engine runs HLS download jobs: resolve, plan, fan-out, progress and merge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/mohaanymo/m3u8dl/internal/config"
	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/httpclient"
	"github.com/mohaanymo/m3u8dl/internal/models"
	"github.com/mohaanymo/m3u8dl/internal/observability"
	"github.com/mohaanymo/m3u8dl/internal/parser"
)

// Transport fetches playlists, keys and segments.
type Transport interface {
	FetchBytes(ctx context.Context, uri string, cfg models.RequestConfig) ([]byte, error)
	Download(ctx context.Context, req httpclient.DownloadRequest, pp httpclient.PostProcessor) (string, error)
	Stop()
	Await(ctx context.Context) error
}

// ProfileFunc selects the download options for a job.
type ProfileFunc func(job *Job) httpclient.Options

// Option configures an Engine.
type Option func(*Engine)

// WithMerger replaces the merge strategy chosen from the configuration.
func WithMerger(m Merger) Option {
	return func(e *Engine) { e.merger = m }
}

// WithProfile replaces DefaultProfile.
func WithProfile(p ProfileFunc) Option {
	return func(e *Engine) { e.profile = p }
}

// WithRequestConfigurer replaces the request configuration built from the HTTP section.
func WithRequestConfigurer(r models.RequestConfigurer) Option {
	return func(e *Engine) { e.requests = r }
}

// WithMetrics records metrics for jobs, segments and merges.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the download orchestrator.
type Engine struct {
	cfg       *config.Config
	log       *slog.Logger
	transport Transport
	pool      *Pool
	progress  *ProgressScheduler
	merger    Merger
	requests  models.RequestConfigurer
	profile   ProfileFunc
	metrics   *observability.Metrics
}

// New creates an engine and starts its pool and progress scheduler.
func New(cfg *config.Config, transport Transport, log *slog.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("package", "engine"))

	e := &Engine{
		cfg:       cfg,
		log:       log,
		transport: transport,
		profile:   DefaultProfile,
		requests: models.StaticRequestConfig{
			Headers: cfg.HTTP.Headers,
			Proxy:   cfg.HTTP.Proxy,
			Retries: cfg.HTTP.Retries,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.merger == nil {
		m, err := NewMerger(cfg.Merge, log)
		if err != nil {
			return nil, err
		}
		e.merger = m
	}

	e.pool = NewPool(cfg.Pool.Workers, cfg.Pool.QueueSize, log)
	e.progress = NewProgressScheduler(cfg.Progress.Interval, cfg.Progress.Retain, log)
	e.progress.Start()

	return e, nil
}

// Pool returns the shared worker pool.
func (e *Engine) Pool() *Pool { return e.pool }

// NewJob creates a job in the configured work and target directories.
func (e *Engine) NewJob(source, fileName string, opts JobOptions) (*Job, error) {
	return NewJob(source, fileName, e.cfg.Dir.Work, e.cfg.Dir.Target, opts)
}

// Submit queues the job and returns its future. It blocks while the pool backlog is full.
func (e *Engine) Submit(ctx context.Context, job *Job, l Listener) (*Future, error) {
	if l == nil {
		l = NopListener{}
	}
	if !job.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("submit %s: %w", job, errs.ErrJobRunning)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	future := newFuture(job, cancel)

	if err := e.pool.Submit(ctx, func() { e.run(jobCtx, job, l, future) }); err != nil {
		cancel()
		job.running.Store(false)
		return nil, fmt.Errorf("submit %s: %w", job, err)
	}

	e.metrics.RecordJobSubmitted()
	return future, nil
}

// run is the whole lifecycle of one job on a pool worker.
func (e *Engine) run(ctx context.Context, job *Job, l Listener, future *Future) {
	log := e.log.With(slog.String("job_id", job.ID.String()), slog.String("file", job.FileName))
	observe := e.metrics.JobTimer()

	var (
		err               error
		finished, merging bool
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errs.ErrUnhandled, r)
			log.Error("job panicked", slog.Any("panic", r))

			// Every job gets its terminal notifications, panic or not.
			switch {
			case !finished:
				l.DownloadFinished(job, false)
			case merging:
				l.MergeFinished(job, err)
			}
		}
		observe()
		if err != nil {
			e.metrics.RecordJobFailed()
		} else {
			e.metrics.RecordJobCompleted()
		}
		job.running.Store(false)
		future.complete(err)
	}()

	l.DownloadStarted(job)

	units, requests, err := e.prepare(ctx, job, log)
	if err != nil {
		log.Error("prepare job", slog.Any("error", err))
		finished = true
		l.DownloadFinished(job, false)
		return
	}

	e.progress.Register(job, future, l)

	opts := e.profile(job)
	if err = e.fanOut(ctx, job, units, opts, requests, log); err == nil {
		err = ctx.Err()
	}

	finished = true
	l.DownloadFinished(job, err == nil)
	if err != nil {
		return
	}

	merger := job.Options.Merger
	if merger == nil {
		merger = e.merger
	}

	merging = true
	l.MergeStarted(job)
	record := e.metrics.MergeTimer(merger.Name())
	err = job.Merge(ctx, merger, e.cfg.Merge.DeleteSegments && !job.Options.KeepSegments, log)
	record(err)
	merging = false
	l.MergeFinished(job, err)
}

// prepare resets the job, resolves the playlist and keys and plans the units.
func (e *Engine) prepare(ctx context.Context, job *Job, log *slog.Logger) ([]*Segment, models.RequestConfigurer, error) {
	job.Reset()

	requests := job.Options.Requests
	if requests == nil {
		requests = e.requests
	}

	resolver := parser.NewResolver(e.transport.FetchBytes, requests, log)

	pl, err := resolver.Resolve(ctx, job.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve: %w", err)
	}

	keys, err := resolver.FetchSecretKeys(ctx, pl)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch keys: %w", err)
	}

	purged, err := prepareSegmentDir(job)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare segment dir: %w", err)
	}
	if purged > 0 {
		log.Info("segment dir belonged to another source, purged", slog.Int("files", purged))
	}

	units, err := Plan(job, pl, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("plan: %w", err)
	}

	if err := recordPlan(job); err != nil {
		log.Warn("save checkpoint", slog.Any("error", err))
	}

	cached := int64(job.Total() - len(units))
	for range cached {
		e.metrics.RecordSegment("cached")
	}

	log.Info("job planned",
		slog.Int("total", job.Total()),
		slog.Int("new", len(units)),
		slog.Int64("cached", cached))

	return units, requests, nil
}

// fanOut downloads every unit on the shared pool. Units the pool cannot take
// right away are run by the calling goroutine, so a pool saturated with
// orchestrators still makes progress. Per-unit failures are absorbed into the
// job counters; only a panic is returned.
func (e *Engine) fanOut(ctx context.Context, job *Job, units []*Segment, opts httpclient.Options, requests models.RequestConfigurer, log *slog.Logger) error {
	tasks := make([]*claimTask, len(units))

	for i, u := range units {
		t := newClaimTask(func() { e.download(ctx, job, u, opts, requests, log) })
		tasks[i] = t
		_ = e.pool.TrySubmit(t.runIfUnclaimed)
	}

	for _, t := range tasks {
		t.runIfUnclaimed()
	}

	var errList []error
	for _, t := range tasks {
		<-t.done
		if t.panic != nil {
			errList = append(errList, fmt.Errorf("%w: %v", errs.ErrUnhandled, t.panic))
		}
	}

	return errors.Join(errList...)
}

func (e *Engine) download(ctx context.Context, job *Job, u *Segment, opts httpclient.Options, requests models.RequestConfigurer, log *slog.Logger) {
	_, err := e.transport.Download(ctx, httpclient.DownloadRequest{
		URI:         u.URI,
		Destination: u.TempPath,
		JobID:       job.ID.String(),
		Options:     opts,
		Key:         u.Key,
		Sequence:    u.Sequence,
		Config:      requests.RequestConfig(models.PurposeSegment, u.URI),
	}, u)
	if err != nil {
		e.metrics.RecordSegment("failed")
		log.Warn("segment failed", slog.Int64("sequence", u.Sequence), slog.String("url", u.URI), slog.Any("error", err))
		return
	}
	e.metrics.RecordSegment("completed")
}

// Shutdown stops intake, the progress scheduler and the transport, then waits for all three.
// Failures are logged and joined; one failing component never stops the others.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.pool.Stop()
	e.progress.Stop()
	e.transport.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	components := []struct {
		name  string
		await func(context.Context) error
	}{
		{"pool", e.pool.Await},
		{"progress", e.progress.Await},
		{"transport", e.transport.Await},
	}

	var errList []error
	for _, c := range components {
		if err := c.await(ctx); err != nil {
			e.log.Error("shutdown", slog.String("component", c.name), slog.Any("error", err))
			errList = append(errList, err)
		}
	}

	return errors.Join(errList...)
}

// DefaultProfile disables pooled buffers for sources on loopback or private networks.
func DefaultProfile(job *Job) httpclient.Options {
	opts := httpclient.DefaultOptions()
	if isLocalSource(job.Source) {
		opts.PooledBuffers = false
	}
	return opts
}

func isLocalSource(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
