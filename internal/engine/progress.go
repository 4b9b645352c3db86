package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
)

// ETASample is the input of one ETA estimate.
type ETASample struct {
	Total    int64
	Finished int64
	Failed   int64
	Reading  int64
	// Remaining is the RemainingBytes of every currently reading unit.
	Remaining []int64
	// NowBytes is the job's cumulative byte counter.
	NowBytes int64
	// ReadThisTick is max(0, NowBytes - previous NowBytes).
	ReadThisTick int64
	// ElapsedTicks counts ticks since the job was registered.
	ElapsedTicks int64
}

// EstimateRemaining returns the estimated ticks until the job completes, or -1 without any throughput signal.
func EstimateRemaining(s ETASample) int64 {
	remainingSegments := s.Total - (s.Finished - s.Failed - s.Reading)

	var inFlight int64
	activeReading := s.Reading
	for _, r := range s.Remaining {
		if r <= 0 {
			activeReading--
			continue
		}
		inFlight += r
	}

	concurrency := s.Finished + s.Reading
	if s.NowBytes <= 0 || concurrency <= 0 {
		return -1
	}

	avg := float64(s.NowBytes+inFlight) / float64(concurrency)
	pending := max(0, remainingSegments-activeReading)
	est := float64(pending)*avg + float64(inFlight)

	if s.ReadThisTick > 0 {
		return int64(math.Ceil(est / float64(s.ReadThisTick)))
	}
	return int64(math.Ceil(float64(s.ElapsedTicks) * est / float64(s.NowBytes)))
}

// FormatPercent renders finished/total as "42.00%".
func FormatPercent(finished, total int64) string {
	if total <= 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(finished)*100/float64(total))
}

type progressEntry struct {
	job      *Job
	future   *Future
	listener Listener

	active    bool
	lastBytes int64
	ticks     int64
}

// ProgressScheduler samples every registered job on a fixed period.
// It only reads published counters and never blocks on transfer I/O.
type ProgressScheduler struct {
	interval time.Duration
	retain   int
	log      *slog.Logger

	mu      sync.Mutex
	entries []*progressEntry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressScheduler creates a scheduler. retain bounds how many finished entries are kept.
func NewProgressScheduler(interval time.Duration, retain int, log *slog.Logger) *ProgressScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressScheduler{
		interval: interval,
		retain:   retain,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine.
func (s *ProgressScheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

func (s *ProgressScheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Register starts sampling job until its future is done.
func (s *ProgressScheduler) Register(job *Job, future *Future, l Listener) {
	s.mu.Lock()
	s.entries = append(s.entries, &progressEntry{
		job:      job,
		future:   future,
		listener: l,
		active:   true,
	})
	s.mu.Unlock()
}

// Active returns the number of jobs still being sampled.
func (s *ProgressScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.active {
			n++
		}
	}
	return n
}

func (s *ProgressScheduler) tick() {
	s.mu.Lock()
	snapshot := slices.Clone(s.entries)
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.active {
			s.sample(e)
		}
	}

	s.prune()
}

func (s *ProgressScheduler) sample(e *progressEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("progress listener panicked", slog.String("job_id", e.job.ID.String()), slog.Any("panic", r))
		}
	}()

	job := e.job
	nowBytes := job.BytesRead()
	read := max(0, nowBytes-e.lastBytes)
	e.lastBytes = nowBytes

	if e.future.IsDone() {
		s.mu.Lock()
		e.active = false
		s.mu.Unlock()
		e.listener.DownloadProgress(job, FormatPercent(1, 1), 0)
		if read > 0 {
			e.listener.DownloadSizeUpdated(job, nowBytes)
		}
		return
	}

	e.ticks++

	reading := job.ReadingUnits()
	remaining := make([]int64, len(reading))
	for i, u := range reading {
		remaining[i] = u.RemainingBytes()
	}

	eta := EstimateRemaining(ETASample{
		Total:        int64(job.Total()),
		Finished:     job.Finished(),
		Failed:       job.Failed(),
		Reading:      int64(len(reading)),
		Remaining:    remaining,
		NowBytes:     nowBytes,
		ReadThisTick: read,
		ElapsedTicks: e.ticks,
	})

	e.listener.DownloadProgress(job, FormatPercent(job.Finished(), int64(job.Total())), s.toSeconds(eta))
	if read > 0 {
		e.listener.DownloadSizeUpdated(job, nowBytes)
	}
}

// toSeconds converts ticks to seconds. -1 stays unknown.
func (s *ProgressScheduler) toSeconds(ticks int64) int64 {
	if ticks < 0 || s.interval == time.Second {
		return ticks
	}
	return int64(math.Ceil(float64(ticks) * s.interval.Seconds()))
}

// prune drops the oldest inactive entries beyond the retention limit.
func (s *ProgressScheduler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	inactive := 0
	for _, e := range s.entries {
		if !e.active {
			inactive++
		}
	}

	drop := inactive - s.retain
	if drop <= 0 {
		return
	}

	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.active && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, e)
	}
	clear(s.entries[len(kept):])
	s.entries = kept
}

// Stop ends the ticker goroutine.
func (s *ProgressScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Await blocks until the ticker goroutine has exited or ctx is done.
func (s *ProgressScheduler) Await(ctx context.Context) error {
	s.startOnce.Do(func() {
		// Never started, nothing to wait for.
		close(s.done)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await progress: %w", ctx.Err())
	}
}
