package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const checkpointName = ".m3u8dl.json"

// Checkpoint records which source a segment directory belongs to, so resumed
// downloads never mix segments from two different playlists.
type Checkpoint struct {
	Source    string    `json:"source"`
	FileName  string    `json:"file_name"`
	Segments  int       `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointPath returns the checkpoint file path for a segment directory.
func CheckpointPath(segmentDir string) string {
	return filepath.Join(segmentDir, checkpointName)
}

// LoadCheckpoint loads a checkpoint from disk. It returns nil, nil when none exists.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint to disk atomically.
func (c *Checkpoint) Save(path string) error {
	c.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically via temp file
	tempPath := path + tempSuffix
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Matches checks if this checkpoint is for the same source.
func (c *Checkpoint) Matches(source string) bool {
	return c.Source == source
}

// prepareSegmentDir makes the job's segment directory safe to resume from.
// A directory left by another source is emptied first. It returns the number of files removed.
func prepareSegmentDir(job *Job) (int, error) {
	// A previous pass may have merged and removed the directory.
	if err := os.MkdirAll(job.SegmentDir, 0o755); err != nil {
		return 0, err
	}

	path := CheckpointPath(job.SegmentDir)

	cp, err := LoadCheckpoint(path)
	if err != nil {
		// An unreadable checkpoint proves nothing about the segments next to it.
		cp = &Checkpoint{}
	}

	removed := 0
	if cp == nil {
		cp = &Checkpoint{CreatedAt: time.Now()}
	} else if !cp.Matches(job.Source) {
		if removed, err = purgeSegments(job.SegmentDir); err != nil {
			return removed, err
		}
		cp = &Checkpoint{CreatedAt: time.Now()}
	}

	cp.Source = job.Source
	cp.FileName = job.FileName
	if err := cp.Save(path); err != nil {
		return removed, fmt.Errorf("save checkpoint: %w", err)
	}

	return removed, nil
}

// recordPlan stores the planned unit count.
func recordPlan(job *Job) error {
	path := CheckpointPath(job.SegmentDir)

	cp, err := LoadCheckpoint(path)
	if err != nil || cp == nil {
		cp = &Checkpoint{Source: job.Source, FileName: job.FileName, CreatedAt: time.Now()}
	}
	cp.Segments = job.Total()

	return cp.Save(path)
}

// purgeSegments removes segment and init files from dir.
func purgeSegments(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasPrefix(name, "seg_") || strings.HasPrefix(name, "init")) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("remove stale segment: %w", err)
		}
		removed++
	}

	return removed, nil
}
