package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohaanymo/m3u8dl/internal/decryptor"
	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
	"github.com/mohaanymo/m3u8dl/internal/observability"
)

const defaultBufferSize = 32 * 1024

// PostProcessor receives the events of one segment transfer.
// The manager calls exactly one of AfterDownloadComplete or AfterDownloadFailed.
type PostProcessor interface {
	// StartDownload is called once per attempt after response headers arrive.
	// contentLength is -1 when unknown; restart is true for retries.
	StartDownload(contentLength int64, restart bool)
	// AfterReadBytes is called for every chunk read from the body.
	AfterReadBytes(n int, final bool)
	// AfterDownloadComplete is called once the destination file is written.
	// A returned error means the receiver settled itself as failed.
	AfterDownloadComplete() error
	// AfterDownloadFailed is called once all attempts are exhausted.
	AfterDownloadFailed()
}

// Options is the per-job download profile.
type Options struct {
	// PooledBuffers reuses read buffers across transfers.
	PooledBuffers bool
	BufferSize    int
}

// DefaultOptions returns the profile used for remote sources.
func DefaultOptions() Options {
	return Options{PooledBuffers: true, BufferSize: defaultBufferSize}
}

// DownloadRequest describes one segment transfer.
type DownloadRequest struct {
	URI         string
	Destination string
	JobID       string
	Options     Options
	Key         *models.SecretKey // nil or models.NoneKey for clear segments
	Sequence    int64
	Config      models.RequestConfig
}

// Manager performs byte fetches and segment transfers with retries.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]*http.Client // by proxy URL, "" is direct

	bufPool sync.Pool

	// stateMu orders acquire against Stop so no Add lands after Await starts waiting.
	stateMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewManager creates a transport manager. metrics may be nil.
func NewManager(cfg Config, log *slog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		log:     log.With(slog.String("package", "httpclient")),
		metrics: metrics,
		limiter: newLimiter(cfg.MaxBandwidth),
		clients: make(map[string]*http.Client),
		bufPool: sync.Pool{New: func() any {
			b := make([]byte, defaultBufferSize)
			return &b
		}},
	}
}

// client returns the cached client for a proxy, creating it on first use.
func (m *Manager) client(proxy string) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[proxy]; ok {
		return c, nil
	}

	c, err := New(m.cfg, proxy)
	if err != nil {
		return nil, err
	}
	if m.limiter != nil {
		c.Transport = &rateLimitedTransport{base: c.Transport, limiter: m.limiter}
	}

	m.clients[proxy] = c
	return c, nil
}

// acquire registers an in-flight operation, or fails once the manager is stopped.
func (m *Manager) acquire() error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	if m.closed {
		return errs.ErrTransportClosed
	}
	m.inflight.Add(1)
	return nil
}

// FetchBytes fetches the whole body at uri. Used for playlists and keys.
func (m *Manager) FetchBytes(ctx context.Context, uri string, cfg models.RequestConfig) ([]byte, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.inflight.Done()

	client, err := m.client(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := m.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		body, err := m.fetchOnce(ctx, client, uri, cfg)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		m.log.Debug("fetch attempt failed", slog.String("url", uri), slog.Int("attempt", attempt+1), slog.Any("error", err))
	}

	return nil, lastErr
}

func (m *Manager) fetchOnce(ctx context.Context, client *http.Client, uri string, cfg models.RequestConfig) ([]byte, error) {
	resp, err := m.do(ctx, client, uri, cfg, "fetch")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		return nil, fmt.Errorf("%w: expected %d, got %d", errs.ErrContentLength, resp.ContentLength, len(body))
	}
	m.metrics.AddBytes(len(body))

	return body, nil
}

// Download transfers req.URI to req.Destination, decrypting when req.Key is encrypted.
// It returns the destination path.
func (m *Manager) Download(ctx context.Context, req DownloadRequest, pp PostProcessor) (string, error) {
	if err := m.acquire(); err != nil {
		pp.AfterDownloadFailed()
		return "", err
	}
	defer m.inflight.Done()

	client, err := m.client(req.Config.Proxy)
	if err != nil {
		pp.AfterDownloadFailed()
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= req.Config.Retries; attempt++ {
		if attempt > 0 {
			m.metrics.RecordRetry()
			if err := m.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		err := m.transfer(ctx, client, req, pp, attempt > 0)
		if err == nil {
			if err := pp.AfterDownloadComplete(); err != nil {
				return "", err
			}
			return req.Destination, nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		m.log.Debug("segment attempt failed",
			slog.String("job_id", req.JobID),
			slog.Int64("sequence", req.Sequence),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	_ = os.Remove(req.Destination)
	pp.AfterDownloadFailed()

	return "", fmt.Errorf("segment %d: %w", req.Sequence, lastErr)
}

func (m *Manager) transfer(ctx context.Context, client *http.Client, req DownloadRequest, pp PostProcessor, restart bool) error {
	resp, err := m.do(ctx, client, req.URI, req.Config, "segment")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	pp.StartDownload(resp.ContentLength, restart)

	buf, release := m.buffer(req.Options)
	defer release()

	var data bytes.Buffer
	if resp.ContentLength > 0 {
		data.Grow(int(resp.ContentLength))
	}

	var total int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data.Write(buf[:n])
			total += int64(n)
			m.metrics.AddBytes(n)
			pp.AfterReadBytes(n, rerr == io.EOF)
		}
		if rerr == io.EOF {
			if n == 0 {
				pp.AfterReadBytes(0, true)
			}
			break
		}
		if rerr != nil {
			return fmt.Errorf("read body: %w", rerr)
		}
	}

	if resp.ContentLength >= 0 && total != resp.ContentLength {
		return fmt.Errorf("%w: expected %d, got %d", errs.ErrContentLength, resp.ContentLength, total)
	}

	out, err := decryptor.DecryptSegment(data.Bytes(), req.Key, req.Sequence)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	if err := os.WriteFile(req.Destination, out, 0o644); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}

	return nil
}

// do sends a GET and checks the status code.
func (m *Manager) do(ctx context.Context, client *http.Client, uri string, cfg models.RequestConfig, purpose string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	for k, v := range m.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		m.metrics.RecordRequest(purpose, 0)
		return nil, err
	}
	m.metrics.RecordRequest(purpose, resp.StatusCode)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}

	return resp, nil
}

func (m *Manager) buffer(opts Options) ([]byte, func()) {
	if opts.PooledBuffers {
		b := m.bufPool.Get().(*[]byte)
		return *b, func() { m.bufPool.Put(b) }
	}

	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return make([]byte, size), func() {}
}

// backoff waits 500ms, 1s, 2s, 4s... scaled by RetryDelay.
func (m *Manager) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt-1)) * m.cfg.RetryDelay

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new requests. In-flight transfers run to completion.
func (m *Manager) Stop() {
	m.stateMu.Lock()
	m.closed = true
	m.stateMu.Unlock()
}

// Await blocks until in-flight transfers finish or ctx is done, then releases idle connections.
func (m *Manager) Await(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("await transport: %w", ctx.Err())
	}

	m.mu.Lock()
	for _, c := range m.clients {
		c.CloseIdleConnections()
	}
	m.mu.Unlock()

	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", errs.ErrHTTPStatus, e.code)
}

func (e *statusError) Unwrap() error {
	return errs.ErrHTTPStatus
}

// retryable reports whether another attempt could succeed.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusRequestTimeout, se.code == http.StatusTooManyRequests:
			return true
		case se.code >= 400 && se.code < 500:
			return false
		}
	}

	return true
}
