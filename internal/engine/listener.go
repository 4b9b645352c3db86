package engine

import "log/slog"

// Listener receives job lifecycle and progress notifications.
// Methods are called from pool workers and the progress goroutine and must not block.
type Listener interface {
	DownloadStarted(job *Job)
	// DownloadProgress reports percent text ("42.00%") and the estimated seconds left, -1 if unknown.
	DownloadProgress(job *Job, percent string, etaSeconds int64)
	DownloadSizeUpdated(job *Job, totalBytes int64)
	DownloadFinished(job *Job, succeeded bool)
	MergeStarted(job *Job)
	MergeFinished(job *Job, err error)
}

// NopListener ignores every notification. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) DownloadStarted(*Job)                 {}
func (NopListener) DownloadProgress(*Job, string, int64) {}
func (NopListener) DownloadSizeUpdated(*Job, int64)      {}
func (NopListener) DownloadFinished(*Job, bool)          {}
func (NopListener) MergeStarted(*Job)                    {}
func (NopListener) MergeFinished(*Job, error)            {}

// Listeners fans every notification out to each listener in order.
type Listeners []Listener

func (ls Listeners) DownloadStarted(job *Job) {
	for _, l := range ls {
		l.DownloadStarted(job)
	}
}

func (ls Listeners) DownloadProgress(job *Job, percent string, eta int64) {
	for _, l := range ls {
		l.DownloadProgress(job, percent, eta)
	}
}

func (ls Listeners) DownloadSizeUpdated(job *Job, n int64) {
	for _, l := range ls {
		l.DownloadSizeUpdated(job, n)
	}
}

func (ls Listeners) DownloadFinished(job *Job, ok bool) {
	for _, l := range ls {
		l.DownloadFinished(job, ok)
	}
}

func (ls Listeners) MergeStarted(job *Job) {
	for _, l := range ls {
		l.MergeStarted(job)
	}
}

func (ls Listeners) MergeFinished(job *Job, err error) {
	for _, l := range ls {
		l.MergeFinished(job, err)
	}
}

// LogListener writes notifications to a structured logger. Progress is logged at debug level.
type LogListener struct {
	Log *slog.Logger
}

func (l LogListener) attrs(job *Job) slog.Attr {
	return slog.Group("job",
		slog.String("id", job.ID.String()),
		slog.String("file", job.FileName))
}

func (l LogListener) DownloadStarted(job *Job) {
	l.Log.Info("download started", l.attrs(job), slog.String("source", job.Source))
}

func (l LogListener) DownloadProgress(job *Job, percent string, eta int64) {
	l.Log.Debug("download progress", l.attrs(job), slog.String("percent", percent), slog.Int64("eta_seconds", eta))
}

func (l LogListener) DownloadSizeUpdated(job *Job, n int64) {
	l.Log.Debug("download size", l.attrs(job), slog.Int64("bytes", n))
}

func (l LogListener) DownloadFinished(job *Job, ok bool) {
	l.Log.Info("download finished", l.attrs(job),
		slog.Bool("succeeded", ok),
		slog.Int64("finished", job.Finished()),
		slog.Int64("failed", job.Failed()),
		slog.Int("total", job.Total()))
}

func (l LogListener) MergeStarted(job *Job) {
	l.Log.Info("merge started", l.attrs(job))
}

func (l LogListener) MergeFinished(job *Job, err error) {
	if err != nil {
		l.Log.Error("merge failed", l.attrs(job), slog.Any("error", err))
		return
	}
	l.Log.Info("merge finished", l.attrs(job), slog.String("target", job.TargetPath()))
}
