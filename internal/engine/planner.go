package engine

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
)

const tempSuffix = ".tmp"

// Plan builds the units for every resolved segment and registers them on the job.
// Units whose final file exists are marked cached; only the units still to download are returned.
func Plan(job *Job, pl *models.MediaPlaylist, keys map[models.SegmentKey]*models.SecretKey) ([]*Segment, error) {
	units := make([]*Segment, 0, len(pl.Segments)+1)

	if pl.Init != nil {
		u, err := planUnit(job, *pl.Init, keys, initName(job, pl.Init.URI))
		if err != nil {
			return nil, err
		}
		u.Init = true
		units = append(units, u)
	}

	for _, ms := range pl.Segments {
		u, err := planUnit(job, ms, keys, segmentName(job, ms))
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	if err := job.setUnits(units); err != nil {
		return nil, err
	}

	pending := make([]*Segment, 0, len(units))
	for _, u := range units {
		if fi, err := os.Stat(u.FinalPath); err == nil && !fi.IsDir() {
			u.markCached()
			continue
		}
		pending = append(pending, u)
	}

	return pending, nil
}

func planUnit(job *Job, ms models.MediaSegment, keys map[models.SegmentKey]*models.SecretKey, name string) (*Segment, error) {
	secret := models.NoneKey
	if ms.Key != nil {
		k, ok := keys[*ms.Key]
		if !ok {
			return nil, fmt.Errorf("%w: no key fetched for %s", errs.ErrInvalidKey, ms.Key.URI)
		}
		secret = k
	}

	final := filepath.Join(job.SegmentDir, name)
	return newSegment(job, ms, secret, final+tempSuffix, final), nil
}

func segmentName(job *Job, ms models.MediaSegment) string {
	return fmt.Sprintf("seg_%08d%s", ms.Sequence, segmentExt(ms.URI, job.Kind))
}

func initName(job *Job, uri string) string {
	ext := segmentExt(uri, job.Kind)
	if ext == ".ts" {
		ext = ".mp4"
	}
	return "init" + ext
}

// segmentExt takes the extension from the URI path, falling back to the media kind default.
func segmentExt(uri string, kind models.MediaKind) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}

	ext := strings.ToLower(path.Ext(p))
	if len(ext) > 1 && len(ext) <= 5 && isAlnum(ext[1:]) {
		return ext
	}

	if kind == models.KindTS {
		return ".ts"
	}
	return ".m4s"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
