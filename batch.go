package m3u8dl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TaskState represents the current state of a batch task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskDownloading
	TaskMerging
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskDownloading:
		return "downloading"
	case TaskMerging:
		return "merging"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Finished reports whether the task reached a final state.
func (s TaskState) Finished() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Active reports whether the task is downloading or merging.
func (s TaskState) Active() bool {
	return s == TaskDownloading || s == TaskMerging
}

// TaskProgress holds progress information for a task.
type TaskProgress struct {
	TotalSegments     int
	CompletedSegments int64
	FailedSegments    int64
	DownloadedBytes   int64
	// Percent is the last reported percent text, e.g. "42.00%".
	Percent string
	// ETA is the estimated time left, negative when unknown.
	ETA time.Duration
}

// TaskInfo is a point-in-time copy of a task.
type TaskInfo struct {
	ID          string
	URL         string
	FileName    string
	TargetPath  string
	State       TaskState
	Err         error
	Progress    TaskProgress
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Task is one download in a batch.
type Task struct {
	id     string
	job    *Job
	future *Future

	mu   sync.RWMutex
	info TaskInfo
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Job returns the underlying job.
func (t *Task) Job() *Job { return t.job }

// Info returns a copy of the task state.
func (t *Task) Info() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

func (t *Task) cancel() {
	t.mu.RLock()
	f := t.future
	t.mu.RUnlock()

	if f != nil {
		f.Cancel()
	}
}

func (t *Task) update(fn func(info *TaskInfo)) {
	t.mu.Lock()
	fn(&t.info)
	t.mu.Unlock()
}

// BatchStats holds batch statistics.
type BatchStats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Canceled  int
}

// Batch runs many downloads on one Downloader and tracks a state per task.
// Concurrency is bounded by the downloader's worker pool.
type Batch struct {
	d        *Downloader
	listener Listener

	mu    sync.RWMutex
	tasks map[string]*Task
	byJob map[string]*Task
	order []string
	wg    sync.WaitGroup

	// Callbacks
	onStateChange func(info TaskInfo)
	onProgress    func(info TaskInfo)
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithOnStateChange sets a callback for task state changes.
func WithOnStateChange(fn func(info TaskInfo)) BatchOption {
	return func(b *Batch) {
		b.onStateChange = fn
	}
}

// WithOnProgress sets a callback for progress updates.
func WithOnProgress(fn func(info TaskInfo)) BatchOption {
	return func(b *Batch) {
		b.onProgress = fn
	}
}

// WithListener forwards every job notification to l as well.
func WithListener(l Listener) BatchOption {
	return func(b *Batch) {
		b.listener = l
	}
}

// NewBatch creates a batch on d.
func NewBatch(d *Downloader, opts ...BatchOption) *Batch {
	b := &Batch{
		d:        d,
		listener: NopListener{},
		tasks:    make(map[string]*Task),
		byJob:    make(map[string]*Task),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Add creates and submits a task. An empty id uses the job ID.
// It blocks while the worker pool backlog is full.
func (b *Batch) Add(ctx context.Context, id, url, fileName string, opts JobOptions) (*Task, error) {
	job, err := b.d.NewJob(url, fileName, opts)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = job.ID.String()
	}

	task := &Task{
		id:  id,
		job: job,
		info: TaskInfo{
			ID:         id,
			URL:        url,
			FileName:   job.FileName,
			TargetPath: job.TargetPath(),
			State:      TaskPending,
			CreatedAt:  time.Now(),
			Progress:   TaskProgress{ETA: -1},
		},
	}

	b.mu.Lock()
	if _, exists := b.tasks[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("task with ID %q already exists", id)
	}
	b.tasks[id] = task
	b.byJob[job.ID.String()] = task
	b.order = append(b.order, id)
	b.mu.Unlock()

	future, err := b.d.SubmitJob(ctx, job, b)
	if err != nil {
		b.remove(task)
		return nil, err
	}
	task.mu.Lock()
	task.future = future
	task.mu.Unlock()

	b.wg.Add(1)
	go b.watch(task, future)

	return task, nil
}

// watch settles the final task state once the job is over.
func (b *Batch) watch(task *Task, future *Future) {
	defer b.wg.Done()

	<-future.Done()
	err := future.Err()

	task.update(func(info *TaskInfo) {
		info.CompletedAt = time.Now()
		info.Err = err
		switch {
		case err == nil:
			info.State = TaskCompleted
		case errors.Is(err, context.Canceled):
			info.State = TaskCanceled
		default:
			info.State = TaskFailed
		}
	})

	b.notifyStateChange(task)
}

// Get returns a task by ID.
func (b *Batch) Get(id string) *Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tasks[id]
}

// Tasks returns all tasks in submission order.
func (b *Batch) Tasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tasks := make([]*Task, 0, len(b.order))
	for _, id := range b.order {
		tasks = append(tasks, b.tasks[id])
	}
	return tasks
}

// Cancel cancels a specific task.
func (b *Batch) Cancel(id string) error {
	task := b.Get(id)
	if task == nil {
		return fmt.Errorf("task %q not found", id)
	}
	if task.Info().State.Finished() {
		return fmt.Errorf("task already finished")
	}

	task.cancel()
	return nil
}

// CancelAll cancels every unfinished task.
func (b *Batch) CancelAll() {
	for _, task := range b.Tasks() {
		if !task.Info().State.Finished() {
			task.cancel()
		}
	}
}

// Remove forgets a finished task.
func (b *Batch) Remove(id string) error {
	task := b.Get(id)
	if task == nil {
		return fmt.Errorf("task %q not found", id)
	}
	if !task.Info().State.Finished() {
		return fmt.Errorf("cannot remove unfinished task")
	}

	b.remove(task)
	return nil
}

func (b *Batch) remove(task *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.tasks, task.id)
	delete(b.byJob, task.job.ID.String())
	for i, tid := range b.order {
		if tid == task.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Stats returns current batch statistics.
func (b *Batch) Stats() BatchStats {
	stats := BatchStats{}
	for _, task := range b.Tasks() {
		stats.Total++
		switch task.Info().State {
		case TaskPending:
			stats.Pending++
		case TaskDownloading, TaskMerging:
			stats.Active++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCanceled:
			stats.Canceled++
		}
	}
	return stats
}

// Wait blocks until every submitted task is finished or ctx is done.
// It returns the task errors joined.
func (b *Batch) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errList []error
	for _, task := range b.Tasks() {
		if info := task.Info(); info.Err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", info.ID, info.Err))
		}
	}
	return errors.Join(errList...)
}

func (b *Batch) taskOf(job *Job) *Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byJob[job.ID.String()]
}

func (b *Batch) notifyStateChange(task *Task) {
	if b.onStateChange != nil {
		b.onStateChange(task.Info())
	}
}

// DownloadStarted implements Listener.
func (b *Batch) DownloadStarted(job *Job) {
	if task := b.taskOf(job); task != nil {
		task.update(func(info *TaskInfo) {
			info.State = TaskDownloading
			info.StartedAt = time.Now()
			info.Progress = TaskProgress{ETA: -1}
		})
		b.notifyStateChange(task)
	}
	b.listener.DownloadStarted(job)
}

// DownloadProgress implements Listener.
func (b *Batch) DownloadProgress(job *Job, percent string, eta int64) {
	if task := b.taskOf(job); task != nil {
		task.update(func(info *TaskInfo) {
			info.Progress.TotalSegments = job.Total()
			info.Progress.CompletedSegments = job.Finished()
			info.Progress.FailedSegments = job.Failed()
			info.Progress.Percent = percent
			info.Progress.ETA = time.Duration(eta) * time.Second
		})
		if b.onProgress != nil {
			b.onProgress(task.Info())
		}
	}
	b.listener.DownloadProgress(job, percent, eta)
}

// DownloadSizeUpdated implements Listener.
func (b *Batch) DownloadSizeUpdated(job *Job, n int64) {
	if task := b.taskOf(job); task != nil {
		task.update(func(info *TaskInfo) {
			info.Progress.DownloadedBytes = n
		})
	}
	b.listener.DownloadSizeUpdated(job, n)
}

// DownloadFinished implements Listener.
func (b *Batch) DownloadFinished(job *Job, ok bool) {
	b.listener.DownloadFinished(job, ok)
}

// MergeStarted implements Listener.
func (b *Batch) MergeStarted(job *Job) {
	if task := b.taskOf(job); task != nil {
		task.update(func(info *TaskInfo) {
			info.State = TaskMerging
		})
		b.notifyStateChange(task)
	}
	b.listener.MergeStarted(job)
}

// MergeFinished implements Listener.
func (b *Batch) MergeFinished(job *Job, err error) {
	b.listener.MergeFinished(job, err)
}
