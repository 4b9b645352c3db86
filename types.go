package m3u8dl

import (
	"github.com/mohaanymo/m3u8dl/internal/engine"
	"github.com/mohaanymo/m3u8dl/internal/errs"
)

// Job is one download: a playlist URL and the file it is merged into.
type Job = engine.Job

// JobOptions customizes one job.
type JobOptions = engine.JobOptions

// Future is the pending result of a submitted job.
type Future = engine.Future

// Segment is one segment download unit of a job.
type Segment = engine.Segment

// Stage is the lifecycle stage of a segment.
type Stage = engine.Stage

// Segment stages.
const (
	StageNew              = engine.StageNew
	StageReading          = engine.StageReading
	StageCompleted        = engine.StageCompleted
	StageCompletedInCache = engine.StageCompletedInCache
	StageFailed           = engine.StageFailed
)

// Listener receives job lifecycle and progress notifications.
type Listener = engine.Listener

// NopListener ignores every notification. Embed it to implement only some methods.
type NopListener = engine.NopListener

// Listeners fans every notification out to each listener in order.
type Listeners = engine.Listeners

// LogListener writes notifications to a structured logger.
type LogListener = engine.LogListener

// Merger combines segment files into one output.
type Merger = engine.Merger

// MergeInput is the ordered list of files to combine.
type MergeInput = engine.MergeInput

// IncompleteSegmentsError names the segment files that blocked a merge.
type IncompleteSegmentsError = errs.IncompleteSegmentsError

// Errors callers commonly check with errors.Is.
var (
	ErrInvalidPlaylist      = errs.ErrInvalidPlaylist
	ErrNoSegments           = errs.ErrNoSegments
	ErrUnsupportedKeyMethod = errs.ErrUnsupportedKeyMethod
	ErrUnsupportedKeyFormat = errs.ErrUnsupportedKeyFormat
	ErrInvalidKey           = errs.ErrInvalidKey
	ErrIncompleteSegments   = errs.ErrIncompleteSegments
	ErrMissingURL           = errs.ErrMissingURL
	ErrMissingFileName      = errs.ErrMissingFileName
	ErrPoolClosed           = errs.ErrPoolClosed
	ErrJobRunning           = errs.ErrJobRunning
)
