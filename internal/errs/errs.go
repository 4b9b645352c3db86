// Package errs defines the error values shared across the downloader.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol errors. Fatal to a resolve pass.
var (
	// ErrInvalidPlaylist indicates the fetched bytes do not start with #EXTM3U.
	ErrInvalidPlaylist = errors.New("not a valid m3u8 playlist")
	// ErrNoSegments indicates a media playlist without any media segment.
	ErrNoSegments = errors.New("playlist has no media segments")
	// ErrUnsupportedKeyMethod indicates an EXT-X-KEY method other than NONE or AES-128.
	ErrUnsupportedKeyMethod = errors.New("unsupported key method")
	// ErrUnsupportedKeyFormat indicates a KEYFORMAT other than identity.
	ErrUnsupportedKeyFormat = errors.New("unsupported key format")
	// ErrInvalidKey indicates a malformed key body or IV.
	ErrInvalidKey = errors.New("invalid key")
)

// Transport errors.
var (
	// ErrHTTPStatus indicates an unexpected HTTP status code.
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrContentLength indicates the body length did not match Content-Length.
	ErrContentLength = errors.New("content length mismatch")
	// ErrTransportClosed indicates the transport no longer accepts requests.
	ErrTransportClosed = errors.New("transport is closed")
)

// Integrity errors. Fatal to the merge only.
var (
	// ErrIncompleteSegments indicates at least one unit is not completed at merge time.
	ErrIncompleteSegments = errors.New("incomplete segments")
	// ErrSegmentIntegrity indicates a completed segment file is missing or empty.
	ErrSegmentIntegrity = errors.New("segment file missing or empty")
	// ErrSegmentsAlreadyPlanned indicates a second plan without a reset in between.
	ErrSegmentsAlreadyPlanned = errors.New("segments already planned for this job")
	// ErrFFmpegNotFound indicates the ffmpeg merge backend was requested but not installed.
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
)

// Resource errors. Fatal at job construction.
var (
	// ErrMissingURL indicates an empty source URL.
	ErrMissingURL = errors.New("source url is required")
	// ErrMissingFileName indicates an empty output file name.
	ErrMissingFileName = errors.New("output file name is required")
	// ErrFileNameTooLong indicates the output name exceeds the platform limit.
	ErrFileNameTooLong = errors.New("file name too long")
)

// Engine errors.
var (
	// ErrPoolClosed indicates the worker pool no longer accepts work.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolSaturated indicates the bounded backlog is full.
	ErrPoolSaturated = errors.New("worker pool backlog is full")
	// ErrJobRunning indicates a job was submitted again before its previous pass finished.
	ErrJobRunning = errors.New("job is already running")
	// ErrUnhandled indicates a panic escaped a segment task.
	ErrUnhandled = errors.New("unhandled error during segment fan-out")
)

// IncompleteSegmentsError names the segment files that blocked a merge.
type IncompleteSegmentsError struct {
	Files []string
}

func (e *IncompleteSegmentsError) Error() string {
	return fmt.Sprintf("%s: %d not completed: %s", ErrIncompleteSegments, len(e.Files), strings.Join(e.Files, ", "))
}

func (e *IncompleteSegmentsError) Unwrap() error {
	return ErrIncompleteSegments
}
