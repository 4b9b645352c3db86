package engine

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mohaanymo/m3u8dl/internal/models"
)

// Stage is the lifecycle stage of a segment download.
type Stage int32

const (
	StageNew Stage = iota
	StageReading
	StageCompleted
	StageCompletedInCache
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageReading:
		return "reading"
	case StageCompleted:
		return "completed"
	case StageCompletedInCache:
		return "completed-in-cache"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCompletedInCache || s == StageFailed
}

// Done reports whether the segment is usable for merging.
func (s Stage) Done() bool {
	return s == StageCompleted || s == StageCompletedInCache
}

// Segment is one segment download unit. It implements httpclient.PostProcessor.
type Segment struct {
	URI       string
	TempPath  string
	FinalPath string
	Sequence  int64
	Duration  float64
	Key       *models.SecretKey
	// Init marks the EXT-X-MAP initialization section.
	Init bool

	job           *Job
	stage         atomic.Int32
	contentLength atomic.Int64
	bytesRead     atomic.Int64
}

func newSegment(job *Job, ms models.MediaSegment, key *models.SecretKey, tempPath, finalPath string) *Segment {
	s := &Segment{
		URI:       ms.URI,
		TempPath:  tempPath,
		FinalPath: finalPath,
		Sequence:  ms.Sequence,
		Duration:  ms.Duration,
		Key:       key,
		job:       job,
	}
	s.contentLength.Store(-1)
	return s
}

// Job returns the owning job.
func (s *Segment) Job() *Job { return s.job }

// Stage returns the current stage.
func (s *Segment) Stage() Stage { return Stage(s.stage.Load()) }

// ContentLength returns the advertised length of the current attempt, -1 if unknown.
func (s *Segment) ContentLength() int64 { return s.contentLength.Load() }

// BytesRead returns the bytes read in the current attempt.
func (s *Segment) BytesRead() int64 { return s.bytesRead.Load() }

// ID identifies the segment within its job.
func (s *Segment) ID() string {
	return fmt.Sprintf("%s#%d@%s", s.URI, s.Sequence, s.job.ID)
}

// StartDownload moves the segment to reading. A restart only resets the byte counter.
func (s *Segment) StartDownload(contentLength int64, restart bool) {
	s.contentLength.Store(contentLength)
	if restart {
		s.bytesRead.Store(0)
	}
	if s.stage.CompareAndSwap(int32(StageNew), int32(StageReading)) {
		s.job.addReading(s)
	}
}

// AfterReadBytes adds n to the segment and job byte counters.
func (s *Segment) AfterReadBytes(n int, _ bool) {
	if n <= 0 {
		return
	}
	s.bytesRead.Add(int64(n))
	s.job.addBytes(int64(n))
}

// AfterDownloadComplete moves the temp file to its final path and marks the segment completed.
// When the move fails the segment is marked failed and the error is returned.
func (s *Segment) AfterDownloadComplete() error {
	if s.TempPath != s.FinalPath {
		if err := os.Rename(s.TempPath, s.FinalPath); err != nil {
			s.AfterDownloadFailed()
			return fmt.Errorf("move segment %d: %w", s.Sequence, err)
		}
	}

	if s.settle(StageCompleted) {
		s.job.removeReading(s)
		s.job.finished.Add(1)
	}
	return nil
}

// AfterDownloadFailed marks the segment failed. No retry happens here.
func (s *Segment) AfterDownloadFailed() {
	if s.settle(StageFailed) {
		s.job.removeReading(s)
		s.job.failed.Add(1)
	}
}

// markCached marks a segment whose final file already exists.
func (s *Segment) markCached() {
	if s.settle(StageCompletedInCache) {
		s.job.finished.Add(1)
	}
}

// settle moves a non-terminal segment to a terminal stage. It reports false if already terminal.
func (s *Segment) settle(to Stage) bool {
	for {
		cur := s.stage.Load()
		if Stage(cur).Terminal() {
			return false
		}
		if s.stage.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// RemainingBytes estimates the bytes still to read.
// While reading with an unknown length it returns the raw (negative) content length.
func (s *Segment) RemainingBytes() int64 {
	cl := s.contentLength.Load()

	switch s.Stage() {
	case StageReading:
		if cl < 0 {
			return cl
		}
		return cl - s.bytesRead.Load()
	case StageNew:
		if cl < 0 {
			return 0
		}
		return cl
	default:
		return 0
	}
}
