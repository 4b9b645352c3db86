package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/mohaanymo/m3u8dl/internal/config"
	"github.com/mohaanymo/m3u8dl/internal/errs"
)

// MergeInput is the ordered list of files to combine.
type MergeInput struct {
	// Init is the initialization section path, empty when the playlist has none.
	Init string
	// Segments are media segment paths in sequence order.
	Segments []string
	// Output is the file to write.
	Output string
	// Format is the container of the final target, e.g. "mp4" or "ts".
	Format string
}

// Merger combines segment files into one output.
type Merger interface {
	Name() string
	Merge(ctx context.Context, in MergeInput) error
}

// NewMerger returns the merger for a configured backend.
func NewMerger(cfg config.Merge, log *slog.Logger) (Merger, error) {
	ffmpeg := newFFmpegMerger(cfg.FFmpegPath, log)

	switch cfg.Backend {
	case config.BackendConcat:
		return ConcatMerger{}, nil
	case config.BackendFMP4:
		return FMP4Merger{}, nil
	case config.BackendFFmpeg:
		if ffmpeg == nil {
			return nil, errs.ErrFFmpegNotFound
		}
		return ffmpeg, nil
	default:
		return &AutoMerger{ffmpeg: ffmpeg}, nil
	}
}

// ConcatMerger appends segment bytes in order.
type ConcatMerger struct{}

func (ConcatMerger) Name() string { return config.BackendConcat }

func (ConcatMerger) Merge(_ context.Context, in MergeInput) error {
	out, err := os.Create(in.Output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	files := in.Segments
	if in.Init != "" {
		files = append([]string{in.Init}, files...)
	}

	for _, path := range files {
		if err := appendFile(out, path); err != nil {
			return err
		}
	}

	return out.Close()
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FMP4Merger rebuilds fragmented MP4 output: the init section once, then every fragment.
type FMP4Merger struct{}

func (FMP4Merger) Name() string { return config.BackendFMP4 }

func (FMP4Merger) Merge(ctx context.Context, in MergeInput) error {
	if in.Init == "" {
		return ConcatMerger{}.Merge(ctx, in)
	}

	out, err := os.Create(in.Output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	if err := writeInit(out, in.Init); err != nil {
		return err
	}

	for _, path := range in.Segments {
		if err := writeFragments(out, path); err != nil {
			return err
		}
	}

	return out.Close()
}

func writeInit(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil || f.Init == nil {
		// Not a parsable init section; keep the bytes as they are.
		_, err = w.Write(data)
		return err
	}

	if err := f.Init.Encode(w); err != nil {
		return fmt.Errorf("encode init: %w", err)
	}
	return nil
}

func writeFragments(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil || len(f.Segments) == 0 {
		_, err = w.Write(data)
		return err
	}

	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if err := frag.Encode(w); err != nil {
				return fmt.Errorf("encode fragment of %s: %w", filepath.Base(path), err)
			}
		}
	}
	return nil
}

// FFmpegMerger remuxes segments through the ffmpeg concat demuxer.
type FFmpegMerger struct {
	path string
	log  *slog.Logger
}

// newFFmpegMerger returns nil when no ffmpeg binary can be found.
func newFFmpegMerger(path string, log *slog.Logger) *FFmpegMerger {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegMerger{path: resolved, log: log}
}

func (m *FFmpegMerger) Name() string { return config.BackendFFmpeg }

func (m *FFmpegMerger) Merge(ctx context.Context, in MergeInput) error {
	segments := in.Segments

	// The concat demuxer cannot stitch fragments to a separate init section,
	// so those are joined raw first and remuxed as one input.
	if in.Init != "" {
		joined := in.Output + ".joined"
		defer os.Remove(joined)

		if err := (ConcatMerger{}).Merge(ctx, MergeInput{Init: in.Init, Segments: in.Segments, Output: joined}); err != nil {
			return err
		}
		segments = []string{joined}
	}

	list := in.Output + ".concat.txt"
	if err := writeConcatList(list, segments); err != nil {
		return err
	}
	defer os.Remove(list)

	args := ffmpegArgs(list, in.Output, in.Format)

	m.log.Debug("running ffmpeg", slog.String("cmd", m.path+" "+strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, m.path, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return nil
}

func ffmpegArgs(list, output, format string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-c", "copy",
	}

	switch format {
	case "mp4", "m4a", "mov":
		args = append(args, "-movflags", "+faststart", "-bsf:a", "aac_adtstoasc")
	}

	return append(args, output)
}

// writeConcatList writes an ffmpeg concat demuxer script.
func writeConcatList(path string, files []string) error {
	var sb strings.Builder
	sb.WriteString("ffconcat version 1.0\n")
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		sb.WriteString("file '")
		sb.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		sb.WriteString("'\n")
	}

	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// AutoMerger picks a strategy per job: fMP4 rebuild when an init section exists,
// raw concat for transport streams or without ffmpeg, ffmpeg remux otherwise.
type AutoMerger struct {
	ffmpeg *FFmpegMerger
}

func (m *AutoMerger) Name() string { return config.BackendAuto }

func (m *AutoMerger) Merge(ctx context.Context, in MergeInput) error {
	return m.pick(in).Merge(ctx, in)
}

func (m *AutoMerger) pick(in MergeInput) Merger {
	switch {
	case in.Init != "":
		return FMP4Merger{}
	case in.Format == "ts" || m.ffmpeg == nil:
		return ConcatMerger{}
	default:
		return m.ffmpeg
	}
}
