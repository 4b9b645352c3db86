package m3u8dl

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRunsTasks(t *testing.T) {
	good := hlsServer(t, []string{"a", "b"}, nil, nil)
	bad := hlsServer(t, []string{"a", "b"}, []string{"/b.ts"}, nil)

	d, err := New(testOptions(t)...)
	require.NoError(t, err)
	defer d.Close()

	var mu sync.Mutex
	states := map[string][]TaskState{}
	b := NewBatch(d, WithOnStateChange(func(info TaskInfo) {
		mu.Lock()
		defer mu.Unlock()
		states[info.ID] = append(states[info.ID], info.State)
	}))

	_, err = b.Add(t.Context(), "good", good.URL+"/index.m3u8", "good.ts", JobOptions{})
	require.NoError(t, err)
	_, err = b.Add(t.Context(), "bad", bad.URL+"/index.m3u8", "bad.ts", JobOptions{})
	require.NoError(t, err)

	err = b.Wait(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteSegments)
	assert.Contains(t, err.Error(), "bad:")

	assert.Equal(t, BatchStats{Total: 2, Completed: 1, Failed: 1}, b.Stats())

	goodInfo := b.Get("good").Info()
	assert.Equal(t, TaskCompleted, goodInfo.State)
	assert.NoError(t, goodInfo.Err)
	assert.False(t, goodInfo.CompletedAt.Before(goodInfo.StartedAt))
	got, err := os.ReadFile(goodInfo.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))

	badInfo := b.Get("bad").Info()
	assert.Equal(t, TaskFailed, badInfo.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskState{TaskDownloading, TaskMerging, TaskCompleted}, states["good"])
	assert.Equal(t, []TaskState{TaskDownloading, TaskMerging, TaskFailed}, states["bad"])
}

func TestBatchCancel(t *testing.T) {
	srv := hlsServer(t, []string{"a"}, nil, []string{"/a.ts"})

	d, err := New(testOptions(t)...)
	require.NoError(t, err)
	defer d.Close()

	b := NewBatch(d)
	task, err := b.Add(t.Context(), "", srv.URL+"/index.m3u8", "slow.ts", JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, task.Job().ID.String(), task.ID())

	require.Eventually(t, func() bool { return task.Job().Total() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.Cancel(task.ID()))

	assert.Error(t, b.Wait(t.Context()))
	assert.Equal(t, TaskCanceled, task.Info().State)

	assert.Error(t, b.Cancel(task.ID()))
	require.NoError(t, b.Remove(task.ID()))
	assert.Nil(t, b.Get(task.ID()))
	assert.Empty(t, b.Tasks())
}

func TestBatchRejectsDuplicateID(t *testing.T) {
	srv := hlsServer(t, []string{"a"}, nil, nil)

	d, err := New(testOptions(t)...)
	require.NoError(t, err)
	defer d.Close()

	b := NewBatch(d)
	_, err = b.Add(t.Context(), "same", srv.URL+"/index.m3u8", "one.ts", JobOptions{})
	require.NoError(t, err)
	_, err = b.Add(t.Context(), "same", srv.URL+"/index.m3u8", "two.ts", JobOptions{})
	assert.Error(t, err)

	require.NoError(t, b.Wait(t.Context()))
	assert.Len(t, b.Tasks(), 1)
}

func TestBatchForwardsToListener(t *testing.T) {
	srv := hlsServer(t, []string{"a"}, nil, nil)

	d, err := New(testOptions(t)...)
	require.NoError(t, err)
	defer d.Close()

	l := &countingListener{}
	b := NewBatch(d, WithListener(l))
	_, err = b.Add(t.Context(), "", srv.URL+"/index.m3u8", "one.ts", JobOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Wait(t.Context()))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.started)
	assert.Equal(t, 1, l.merged)
}

func TestTaskState(t *testing.T) {
	assert.Equal(t, "merging", TaskMerging.String())
	assert.True(t, TaskCanceled.Finished())
	assert.False(t, TaskPending.Finished())
	assert.True(t, TaskMerging.Active())
}

type countingListener struct {
	NopListener

	mu      sync.Mutex
	started int
	merged  int
}

func (l *countingListener) DownloadStarted(*Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *countingListener) MergeFinished(*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.merged++
}
