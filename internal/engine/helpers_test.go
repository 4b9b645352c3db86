package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8dl/internal/models"
)

func newTestJob(t *testing.T, fileName string) *Job {
	t.Helper()

	dir := t.TempDir()
	job, err := NewJob("https://cdn.example.com/index.m3u8", fileName, filepath.Join(dir, "work"), filepath.Join(dir, "out"), JobOptions{})
	require.NoError(t, err)
	return job
}

func playlistOf(n int) *models.MediaPlaylist {
	pl := &models.MediaPlaylist{URI: "https://cdn.example.com/index.m3u8"}
	for i := range n {
		pl.Segments = append(pl.Segments, models.MediaSegment{
			URI:      "https://cdn.example.com/" + string(rune('a'+i)) + ".ts",
			Sequence: int64(i),
			Duration: 2,
		})
	}
	return pl
}

// complete simulates a transport writing body to the unit's temp path.
func complete(t *testing.T, u *Segment, body string) {
	t.Helper()

	u.StartDownload(int64(len(body)), false)
	require.NoError(t, os.WriteFile(u.TempPath, []byte(body), 0o644))
	u.AfterReadBytes(len(body), true)
	require.NoError(t, u.AfterDownloadComplete())
}

type event struct {
	name string
	ok   bool
	err  error
}

type recordingListener struct {
	NopListener

	mu       sync.Mutex
	events   []event
	percents []string
	etas     []int64
	sizes    []int64
}

func (l *recordingListener) add(e event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) DownloadStarted(*Job) { l.add(event{name: "started"}) }

func (l *recordingListener) DownloadProgress(_ *Job, percent string, eta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.percents = append(l.percents, percent)
	l.etas = append(l.etas, eta)
}

func (l *recordingListener) DownloadSizeUpdated(_ *Job, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sizes = append(l.sizes, n)
}

func (l *recordingListener) DownloadFinished(_ *Job, ok bool) {
	l.add(event{name: "finished", ok: ok})
}

func (l *recordingListener) MergeStarted(*Job) { l.add(event{name: "merge-started"}) }

func (l *recordingListener) MergeFinished(_ *Job, err error) {
	l.add(event{name: "merge-finished", err: err})
}

func (l *recordingListener) snapshot() ([]event, []string, []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event(nil), l.events...), append([]string(nil), l.percents...), append([]int64(nil), l.etas...)
}

func (l *recordingListener) names() []string {
	events, _, _ := l.snapshot()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.name
	}
	return out
}
