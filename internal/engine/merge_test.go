package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8dl/internal/config"
	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
	"github.com/mohaanymo/m3u8dl/pkg/logger"
)

func TestMergeOrdersBySequence(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	units, err := Plan(job, playlistOf(3), nil)
	require.NoError(t, err)

	// Completion order differs from sequence order.
	complete(t, units[2], "C")
	complete(t, units[0], "A")
	complete(t, units[1], "B")

	require.NoError(t, job.Merge(t.Context(), ConcatMerger{}, false, logger.Discard()))

	got, err := os.ReadFile(job.TargetPath())
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(got))
	assert.NoFileExists(t, partPath(job.TargetPath()))
	assert.DirExists(t, job.SegmentDir)
}

func TestMergeIncompleteLeavesTargetUntouched(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	require.NoError(t, os.WriteFile(job.TargetPath(), []byte("previous"), 0o644))

	units, err := Plan(job, playlistOf(3), nil)
	require.NoError(t, err)
	complete(t, units[0], "A")
	units[1].StartDownload(10, false)
	units[2].AfterDownloadFailed()

	err = job.Merge(t.Context(), ConcatMerger{}, true, logger.Discard())

	var incomplete *errs.IncompleteSegmentsError
	require.ErrorAs(t, err, &incomplete)
	assert.ErrorIs(t, err, errs.ErrIncompleteSegments)
	assert.Equal(t, []string{units[1].FinalPath, units[2].FinalPath}, incomplete.Files)

	got, err := os.ReadFile(job.TargetPath())
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))
	assert.DirExists(t, job.SegmentDir)
}

func TestMergeIntegrity(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	units, err := Plan(job, playlistOf(2), nil)
	require.NoError(t, err)
	complete(t, units[0], "A")
	complete(t, units[1], "B")

	require.NoError(t, os.Truncate(units[1].FinalPath, 0))

	err = job.Merge(t.Context(), ConcatMerger{}, false, logger.Discard())
	assert.ErrorIs(t, err, errs.ErrSegmentIntegrity)
	assert.NoFileExists(t, job.TargetPath())
}

func TestMergeReplacesTargetAndDeletesSegments(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	require.NoError(t, os.WriteFile(job.TargetPath(), []byte("stale output that is longer"), 0o644))

	units, err := Plan(job, playlistOf(2), nil)
	require.NoError(t, err)
	complete(t, units[0], "A")
	complete(t, units[1], "B")

	require.NoError(t, job.Merge(t.Context(), ConcatMerger{}, true, logger.Discard()))

	got, err := os.ReadFile(job.TargetPath())
	require.NoError(t, err)
	assert.Equal(t, "AB", string(got))
	assert.NoDirExists(t, job.SegmentDir)
	assert.NoDirExists(t, filepath.Dir(job.SegmentDir))
}

func TestMergeWithoutUnits(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	assert.ErrorIs(t, job.Merge(t.Context(), ConcatMerger{}, false, logger.Discard()), errs.ErrNoSegments)
}

func TestMergeInitSectionFirst(t *testing.T) {
	job := newTestJob(t, "movie.mp4")
	pl := playlistOf(2)
	pl.Init = &models.MediaSegment{URI: "https://cdn.example.com/init.mp4", Sequence: -1}

	units, err := Plan(job, pl, nil)
	require.NoError(t, err)
	require.Len(t, units, 3)

	for i, u := range units {
		complete(t, u, string(rune('0'+i)))
	}

	var captured MergeInput
	m := mergerFunc(func(_ context.Context, in MergeInput) error {
		captured = in
		return os.WriteFile(in.Output, []byte("x"), 0o644)
	})
	require.NoError(t, job.Merge(t.Context(), m, false, logger.Discard()))

	assert.Equal(t, units[0].FinalPath, captured.Init)
	assert.Equal(t, []string{units[1].FinalPath, units[2].FinalPath}, captured.Segments)
	assert.Equal(t, "mp4", captured.Format)
	assert.Equal(t, partPath(job.TargetPath()), captured.Output)
}

func TestMergeFailureRemovesPart(t *testing.T) {
	job := newTestJob(t, "movie.ts")
	units, err := Plan(job, playlistOf(1), nil)
	require.NoError(t, err)
	complete(t, units[0], "A")

	m := mergerFunc(func(_ context.Context, in MergeInput) error {
		require.NoError(t, os.WriteFile(in.Output, []byte("half"), 0o644))
		return assert.AnError
	})

	err = job.Merge(t.Context(), m, true, logger.Discard())
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoFileExists(t, partPath(job.TargetPath()))
	assert.NoFileExists(t, job.TargetPath())
	assert.FileExists(t, units[0].FinalPath)
}

func TestPartPath(t *testing.T) {
	assert.Equal(t, "/out/movie.part.mp4", partPath("/out/movie.mp4"))
	assert.Equal(t, "/out/movie.part", partPath("/out/movie"))
}

func TestFMP4MergerRebuildsFragments(t *testing.T) {
	dir := t.TempDir()

	initSeg := mp4.CreateEmptyInit()
	initSeg.AddEmptyTrack(90000, "video", "und")
	initPath := filepath.Join(dir, "init.mp4")
	var buf bytes.Buffer
	require.NoError(t, initSeg.Encode(&buf))
	require.NoError(t, os.WriteFile(initPath, buf.Bytes(), 0o644))

	var segments []string
	for i := range 3 {
		frag, err := mp4.CreateFragment(uint32(i+1), 1)
		require.NoError(t, err)
		frag.AddFullSample(mp4.FullSample{
			Sample:     mp4.NewSample(mp4.SyncSampleFlags, 3000, 4, 0),
			DecodeTime: uint64(i) * 3000,
			Data:       []byte{byte(i), byte(i), byte(i), byte(i)},
		})

		buf.Reset()
		require.NoError(t, frag.Encode(&buf))
		path := filepath.Join(dir, fmt.Sprintf("seg_%08d.m4s", i))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		segments = append(segments, path)
	}

	out := filepath.Join(dir, "out.mp4")
	require.NoError(t, FMP4Merger{}.Merge(t.Context(), MergeInput{Init: initPath, Segments: segments, Output: out}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	require.NoError(t, err)

	require.NotNil(t, f.Init)
	require.Len(t, f.Init.Moov.Traks, 1)
	assert.Equal(t, uint32(90000), f.Init.Moov.Trak.Mdia.Mdhd.Timescale)

	var seqs []uint32
	var payload []byte
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			seqs = append(seqs, frag.Moof.Mfhd.SequenceNumber)
			payload = append(payload, frag.Mdat.Data...)
		}
	}
	assert.Equal(t, []uint32{1, 2, 3}, seqs)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2}, payload)
}

func TestFMP4MergerFallsBackToRawBytes(t *testing.T) {
	dir := t.TempDir()
	initPath := filepath.Join(dir, "init.mp4")
	segPath := filepath.Join(dir, "seg_00000000.m4s")
	out := filepath.Join(dir, "out.mp4")

	require.NoError(t, os.WriteFile(initPath, []byte("init!"), 0o644))
	require.NoError(t, os.WriteFile(segPath, []byte("frag!"), 0o644))

	require.NoError(t, FMP4Merger{}.Merge(t.Context(), MergeInput{Init: initPath, Segments: []string{segPath}, Output: out}))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "init!frag!", string(got))
}

func TestAutoMergerPick(t *testing.T) {
	withFFmpeg := &AutoMerger{ffmpeg: &FFmpegMerger{path: "/usr/bin/ffmpeg", log: logger.Discard()}}
	without := &AutoMerger{}

	assert.Equal(t, config.BackendFMP4, withFFmpeg.pick(MergeInput{Init: "init.mp4", Format: "mp4"}).Name())
	assert.Equal(t, config.BackendConcat, withFFmpeg.pick(MergeInput{Format: "ts"}).Name())
	assert.Equal(t, config.BackendFFmpeg, withFFmpeg.pick(MergeInput{Format: "mp4"}).Name())
	assert.Equal(t, config.BackendConcat, without.pick(MergeInput{Format: "mp4"}).Name())
}

func TestNewMerger(t *testing.T) {
	m, err := NewMerger(config.Merge{Backend: config.BackendConcat}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, config.BackendConcat, m.Name())

	m, err = NewMerger(config.Merge{Backend: config.BackendFMP4}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, config.BackendFMP4, m.Name())

	_, err = NewMerger(config.Merge{Backend: config.BackendFFmpeg, FFmpegPath: "/nonexistent/ffmpeg"}, logger.Discard())
	assert.ErrorIs(t, err, errs.ErrFFmpegNotFound)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("list.txt", "out.mp4", "mp4")
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", "list.txt",
		"-c", "copy",
		"-movflags", "+faststart", "-bsf:a", "aac_adtstoasc",
		"out.mp4",
	}, args)

	assert.NotContains(t, ffmpegArgs("list.txt", "out.ts", "ts"), "-movflags")
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")

	require.NoError(t, writeConcatList(list, []string{"/seg/a.ts", "/seg/it's.ts"}))

	got, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Equal(t, "ffconcat version 1.0\nfile '/seg/a.ts'\nfile '/seg/it'\\''s.ts'\n", string(got))
}

type mergerFunc func(ctx context.Context, in MergeInput) error

func (f mergerFunc) Name() string { return "func" }

func (f mergerFunc) Merge(ctx context.Context, in MergeInput) error { return f(ctx, in) }
