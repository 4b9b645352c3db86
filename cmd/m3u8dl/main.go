package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mohaanymo/m3u8dl"
	"github.com/mohaanymo/m3u8dl/internal/config"
	"github.com/mohaanymo/m3u8dl/internal/tui"
	"github.com/mohaanymo/m3u8dl/pkg/logger"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

type cliOptions struct {
	urls         []string
	outputs      stringsFlag
	format       string
	keepSegments bool
	noProgress   bool
	verbose      bool
	metricsAddr  string
	showVersion  bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts := parseFlags(cfg)

	if opts.showVersion {
		fmt.Printf("m3u8dl %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if len(opts.urls) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one playlist URL is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags overrides the environment configuration with command line flags.
func parseFlags(cfg *config.Config) cliOptions {
	var opts cliOptions
	var headers headerFlags

	flag.Var(&opts.outputs, "output", "")
	flag.Var(&opts.outputs, "o", "")
	flag.StringVar(&opts.format, "format", "ts", "")
	flag.StringVar(&opts.format, "f", "ts", "")
	flag.IntVar(&cfg.Pool.Workers, "workers", cfg.Pool.Workers, "")
	flag.IntVar(&cfg.Pool.Workers, "n", cfg.Pool.Workers, "")
	flag.Var(&headers, "header", "")
	flag.Var(&headers, "H", "")
	flag.StringVar(&cfg.HTTP.Proxy, "proxy", cfg.HTTP.Proxy, "")
	flag.StringVar(&cfg.HTTP.UserAgent, "user-agent", cfg.HTTP.UserAgent, "")
	flag.IntVar(&cfg.HTTP.Retries, "retries", cfg.HTTP.Retries, "")
	flag.DurationVar(&cfg.HTTP.Timeout, "timeout", cfg.HTTP.Timeout, "")
	flag.Int64Var(&cfg.HTTP.MaxBandwidth, "bandwidth", cfg.HTTP.MaxBandwidth, "")
	flag.StringVar(&cfg.Dir.Work, "work-dir", cfg.Dir.Work, "")
	flag.StringVar(&cfg.Dir.Target, "dir", cfg.Dir.Target, "")
	flag.StringVar(&cfg.Dir.Target, "d", cfg.Dir.Target, "")
	flag.StringVar(&cfg.Merge.Backend, "merge", cfg.Merge.Backend, "")
	flag.StringVar(&cfg.Merge.FFmpegPath, "ffmpeg", cfg.Merge.FFmpegPath, "")
	flag.BoolVar(&opts.keepSegments, "keep-segments", false, "")
	flag.BoolVar(&opts.noProgress, "no-progress", false, "")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "")
	flag.BoolVar(&opts.verbose, "verbose", false, "")
	flag.BoolVar(&opts.verbose, "v", false, "")
	flag.BoolVar(&opts.showVersion, "version", false, "")

	flag.Usage = printUsage
	flag.Parse()

	opts.urls = flag.Args()
	opts.format = strings.TrimPrefix(opts.format, ".")

	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			cfg.HTTP.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	if opts.verbose {
		cfg.App.LogLevel = "debug"
	}

	return opts
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `m3u8dl - concurrent HLS segment downloader

Usage: m3u8dl [options] <playlist URL>...

Options:
  -o, --output <name>       Output file name, repeat once per URL (default: from the URL)
  -f, --format <ext>        Extension for derived output names (default: ts)
  -d, --dir <path>          Directory for merged files (env M3U8DL_DIR_TARGET)
      --work-dir <path>     Directory for segment files (env M3U8DL_DIR_WORK)
  -n, --workers <num>       Worker pool size (default: number of CPUs)
  -H, --header <header>     Custom header "Name: value" (repeatable)
      --proxy <url>         Proxy for every request
      --user-agent <ua>     User-Agent header
      --retries <num>       Retries per request (default: 3)
      --timeout <dur>       Per-request timeout (default: 60s)
      --bandwidth <bytes>   Shared bandwidth limit in bytes/s, 0 = unlimited
      --merge <backend>     Merge backend: auto, concat, ffmpeg, fmp4 (default: auto)
      --ffmpeg <path>       ffmpeg binary for the ffmpeg backend
      --keep-segments       Keep segment files after merging
      --no-progress         Log progress instead of the terminal UI
      --metrics-addr <addr> Serve Prometheus metrics on addr, e.g. :9090
  -v, --verbose             Debug logging
      --version             Show version

Every setting can also be given through M3U8DL_* environment variables; flags win.

Examples:
  m3u8dl https://example.com/video.m3u8
  m3u8dl -o movie.mp4 --merge ffmpeg https://example.com/video.m3u8
  m3u8dl -n 16 -H "Referer: https://example.com" https://a.example/1.m3u8 https://a.example/2.m3u8
`)
}

func run(ctx context.Context, cfg *config.Config, opts cliOptions) error {
	logOpts := &logger.Options{Level: cfg.App.LogLevel, Format: cfg.App.LogFormat, Output: os.Stderr}
	if !opts.noProgress {
		// The terminal UI owns the screen.
		logOpts.Output = nopWriter{}
	}
	log, err := logger.New(logOpts)
	if err != nil {
		log.Warn("invalid log level, using info", slog.Any("error", err))
	}

	d, err := m3u8dl.NewWithConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("create downloader: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Error("shutdown", slog.Any("error", err))
		}
	}()

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, d, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var listener m3u8dl.Listener = m3u8dl.NopListener{}
	if opts.noProgress {
		listener = m3u8dl.LogListener{Log: log}
	}
	batch := m3u8dl.NewBatch(d, m3u8dl.WithListener(listener))

	for i, u := range opts.urls {
		name := outputName(u, i, opts)
		if _, err := batch.Add(ctx, "", u, name, m3u8dl.JobOptions{KeepSegments: opts.keepSegments}); err != nil {
			batch.CancelAll()
			return fmt.Errorf("add %s: %w", u, err)
		}
	}

	if opts.noProgress {
		return wait(ctx, batch)
	}

	model := tui.NewModel(batch, fmt.Sprintf("%d download(s)", len(opts.urls)))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	waitErr := make(chan error, 1)
	go func() {
		err := batch.Wait(ctx)
		p.Send(tui.DoneMsg{Err: err})
		waitErr <- err
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		batch.CancelAll()
		return fmt.Errorf("TUI error: %w", err)
	}

	if model.Interrupted() || ctx.Err() != nil {
		batch.CancelAll()
	}

	err = <-waitErr
	if ctx.Err() != nil {
		err = batch.Wait(context.Background())
	}
	printSummary(batch)
	return err
}

// wait blocks until the batch is done. A signal cancels every task and waits for them to stop.
func wait(ctx context.Context, batch *m3u8dl.Batch) error {
	err := batch.Wait(ctx)
	if ctx.Err() != nil {
		batch.CancelAll()
		err = batch.Wait(context.Background())
	}
	printSummary(batch)
	return err
}

func serveMetrics(addr string, d *m3u8dl.Downloader, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.Metrics().Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", slog.String("addr", addr), slog.Any("error", err))
		}
	}()

	return srv
}

// outputName picks the i-th -o value, or derives one from the playlist URL.
func outputName(rawURL string, i int, opts cliOptions) string {
	if i < len(opts.outputs) {
		return opts.outputs[i]
	}

	base := "output"
	if u, err := url.Parse(rawURL); err == nil {
		if b := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path)); b != "" && b != "." && b != "/" {
			base = b
		}
	}
	if len(opts.urls) > 1 {
		base = fmt.Sprintf("%s_%d", base, i+1)
	}

	return base + "." + opts.format
}

func printSummary(batch *m3u8dl.Batch) {
	for _, t := range batch.Tasks() {
		info := t.Info()
		switch info.State {
		case m3u8dl.TaskCompleted:
			fmt.Printf("✓ Saved to: %s\n", info.TargetPath)
		case m3u8dl.TaskCanceled:
			fmt.Printf("⊘ Canceled: %s\n", info.FileName)
		default:
			fmt.Printf("✗ Failed: %s: %v\n", info.FileName, info.Err)
		}
	}
}

// headerFlags implements flag.Value for repeatable header flags
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	*h = append(*h, value)
	return nil
}

// stringsFlag collects repeated string flags in order.
type stringsFlag []string

func (s *stringsFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringsFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
