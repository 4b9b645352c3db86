package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/errs"
)

// Merge combines the job's segments into TargetPath.
// Every unit must be completed or cached; otherwise an *errs.IncompleteSegmentsError
// is returned and the target is left untouched. The output is written next to the
// target and renamed over it on success.
func (j *Job) Merge(ctx context.Context, m Merger, deleteSegments bool, log *slog.Logger) error {
	units := j.Units()
	if len(units) == 0 {
		return errs.ErrNoSegments
	}

	var incomplete []string
	for _, u := range units {
		if !u.Stage().Done() {
			incomplete = append(incomplete, u.FinalPath)
		}
	}
	if len(incomplete) > 0 {
		return &errs.IncompleteSegmentsError{Files: incomplete}
	}

	ordered := slices.SortedFunc(slices.Values(units), func(a, b *Segment) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	in := MergeInput{
		Output: partPath(j.TargetPath()),
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(j.FileName)), "."),
	}

	for _, u := range ordered {
		fi, err := os.Stat(u.FinalPath)
		if err != nil || fi.Size() <= 0 {
			return fmt.Errorf("%w: %s", errs.ErrSegmentIntegrity, u.FinalPath)
		}
		if u.Init {
			in.Init = u.FinalPath
			continue
		}
		in.Segments = append(in.Segments, u.FinalPath)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	_ = os.Remove(in.Output)
	if err := m.Merge(ctx, in); err != nil {
		_ = os.Remove(in.Output)
		return fmt.Errorf("merge with %s: %w", m.Name(), err)
	}

	if err := os.Rename(in.Output, j.TargetPath()); err != nil {
		_ = os.Remove(in.Output)
		return fmt.Errorf("move merged file: %w", err)
	}

	if deleteSegments {
		if err := os.RemoveAll(j.SegmentDir); err != nil {
			log.Warn("remove segment dir", slog.String("dir", j.SegmentDir), slog.Any("error", err))
		}
		// The per-output parent only goes away once every kind below it is gone.
		_ = os.Remove(filepath.Dir(j.SegmentDir))
	}

	return nil
}

// partPath inserts ".part" before the extension, so tools that infer the
// container from the extension still work: out.mp4 -> out.part.mp4.
func partPath(target string) string {
	ext := filepath.Ext(target)
	return strings.TrimSuffix(target, ext) + ".part" + ext
}
