package engine

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8dl/internal/errs"
)

func TestNewJobSegmentDir(t *testing.T) {
	tests := []struct {
		fileName string
		kind     string
	}{
		{"movie.mp4", "video"},
		{"song.M4A", "audio"},
		{"stream.ts", "ts"},
		{"noext", "ts"},
	}

	for _, tt := range tests {
		t.Run(tt.fileName, func(t *testing.T) {
			job := newTestJob(t, tt.fileName)

			base := strings.TrimSuffix(tt.fileName, filepath.Ext(tt.fileName))
			assert.Equal(t, filepath.Join(job.WorkDir, base, tt.kind), job.SegmentDir)
			assert.DirExists(t, job.SegmentDir)
			assert.DirExists(t, job.TargetDir)
			assert.Equal(t, filepath.Join(job.TargetDir, tt.fileName), job.TargetPath())
		})
	}
}

func TestNewJobValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := NewJob("", "a.ts", dir, dir, JobOptions{})
	assert.ErrorIs(t, err, errs.ErrMissingURL)

	_, err = NewJob("https://x/y.m3u8", " ", dir, dir, JobOptions{})
	assert.ErrorIs(t, err, errs.ErrMissingFileName)

	_, err = NewJob("https://x/y.m3u8", strings.Repeat("a", 300)+".ts", dir, dir, JobOptions{})
	assert.ErrorIs(t, err, errs.ErrFileNameTooLong)
}

func TestJobIdentity(t *testing.T) {
	dir := t.TempDir()

	a, err := NewJob("https://x/y.m3u8", "a.ts", dir, dir, JobOptions{})
	require.NoError(t, err)
	b, err := NewJob("https://x/y.m3u8", "a.ts", dir, dir, JobOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestJobResetAllowsReplan(t *testing.T) {
	job := newTestJob(t, "movie.ts")

	units, err := Plan(job, playlistOf(3), nil)
	require.NoError(t, err)
	units[0].StartDownload(10, false)
	units[0].AfterReadBytes(10, true)
	units[1].AfterDownloadFailed()

	_, err = Plan(job, playlistOf(3), nil)
	assert.ErrorIs(t, err, errs.ErrSegmentsAlreadyPlanned)

	job.Reset()
	assert.Zero(t, job.Total())
	assert.Zero(t, job.Reading())
	assert.Zero(t, job.BytesRead())
	assert.Zero(t, job.Failed())
	assert.Empty(t, job.ReadingUnits())

	units, err = Plan(job, playlistOf(3), nil)
	require.NoError(t, err)
	assert.Len(t, units, 3)
}
