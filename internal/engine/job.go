package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
)

// maxFileNameBytes is the common file name limit of Linux, macOS and Windows file systems.
const maxFileNameBytes = 255

// JobOptions customizes one job. Zero values fall back to engine defaults.
type JobOptions struct {
	// Requests overrides the engine request configuration.
	Requests models.RequestConfigurer
	// Merger overrides the engine merge strategy.
	Merger Merger
	// KeepSegments keeps the segment directory after a successful merge.
	KeepSegments bool
}

// Job is the aggregate for one output file.
type Job struct {
	ID         uuid.UUID
	Source     string
	FileName   string
	WorkDir    string
	TargetDir  string
	Options    JobOptions
	Kind       models.MediaKind
	SegmentDir string
	CreatedAt  time.Time

	units atomic.Pointer[[]*Segment]
	// running is set while a pass of this job is queued or executing.
	running atomic.Bool

	reading      sync.Map // *Segment -> struct{}
	readingCount atomic.Int64

	bytesRead atomic.Int64
	failed    atomic.Int64
	finished  atomic.Int64
}

// NewJob validates the parameters and creates the segment and target directories.
func NewJob(source, fileName, workDir, targetDir string, opts JobOptions) (*Job, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errs.ErrMissingURL
	}

	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, errs.ErrMissingFileName
	}
	if len(fileName) > maxFileNameBytes {
		return nil, fmt.Errorf("%w: %d bytes", errs.ErrFileNameTooLong, len(fileName))
	}

	kind := models.KindOf(fileName)
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	j := &Job{
		ID:         uuid.New(),
		Source:     source,
		FileName:   fileName,
		WorkDir:    workDir,
		TargetDir:  targetDir,
		Options:    opts,
		Kind:       kind,
		SegmentDir: filepath.Join(workDir, base, kind.String()),
		CreatedAt:  time.Now(),
	}

	if err := os.MkdirAll(j.SegmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	return j, nil
}

// TargetPath is the path of the merged output file.
func (j *Job) TargetPath() string {
	return filepath.Join(j.TargetDir, j.FileName)
}

// Units returns the planned units. The slice must not be modified.
func (j *Job) Units() []*Segment {
	if p := j.units.Load(); p != nil {
		return *p
	}
	return nil
}

// Total returns the number of planned units.
func (j *Job) Total() int { return len(j.Units()) }

// Finished returns the number of completed and cached units.
func (j *Job) Finished() int64 { return j.finished.Load() }

// Failed returns the number of failed units.
func (j *Job) Failed() int64 { return j.failed.Load() }

// Reading returns the number of units currently reading.
func (j *Job) Reading() int64 { return j.readingCount.Load() }

// BytesRead returns the bytes read in this pass.
func (j *Job) BytesRead() int64 { return j.bytesRead.Load() }

// ReadingUnits returns a snapshot of the units currently reading.
func (j *Job) ReadingUnits() []*Segment {
	var out []*Segment
	j.reading.Range(func(k, _ any) bool {
		out = append(out, k.(*Segment))
		return true
	})
	return out
}

// Reset clears units, counters and the reading set before a new resolve pass.
// Engine.Submit refuses a job whose previous pass is still running, so Reset never races a live pass.
func (j *Job) Reset() {
	j.units.Store(nil)
	j.reading.Clear()
	j.readingCount.Store(0)
	j.bytesRead.Store(0)
	j.failed.Store(0)
	j.finished.Store(0)
}

// setUnits registers the unit list once per pass.
func (j *Job) setUnits(units []*Segment) error {
	if !j.units.CompareAndSwap(nil, &units) {
		return errs.ErrSegmentsAlreadyPlanned
	}
	return nil
}

func (j *Job) addReading(s *Segment) {
	if _, loaded := j.reading.LoadOrStore(s, struct{}{}); !loaded {
		j.readingCount.Add(1)
	}
}

func (j *Job) removeReading(s *Segment) {
	if _, loaded := j.reading.LoadAndDelete(s); loaded {
		j.readingCount.Add(-1)
	}
}

func (j *Job) addBytes(n int64) {
	j.bytesRead.Add(n)
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s)", j.ID, j.FileName)
}
