package parser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/decryptor"
	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
)

// Resolver turns a playlist URI into its media segments.
type Resolver struct {
	fetch    FetchFunc
	requests models.RequestConfigurer
	log      *slog.Logger
}

// NewResolver creates a resolver. A nil configurer sends empty request configs.
func NewResolver(fetch FetchFunc, requests models.RequestConfigurer, log *slog.Logger) *Resolver {
	if requests == nil {
		requests = models.StaticRequestConfig{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		fetch:    fetch,
		requests: requests,
		log:      log.With(slog.String("package", "parser")),
	}
}

// Resolve fetches the playlist at uri and returns its media segments.
// A master playlist resolves to its first variant.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*models.MediaPlaylist, error) {
	return r.resolve(ctx, uri, models.PurposePlaylist, nil, false)
}

func (r *Resolver) resolve(ctx context.Context, uri string, purpose models.Purpose, key *models.SegmentKey, inVariant bool) (*models.MediaPlaylist, error) {
	data, err := r.fetch(ctx, uri, r.requests.RequestConfig(purpose, uri))
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", purpose, uri, err)
	}

	base, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url: %w", err)
	}

	st, err := scan(data, base, key, inVariant)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uri, err)
	}

	if len(st.variants) > 0 {
		r.log.Debug("master playlist, using first variant",
			slog.String("url", uri),
			slog.Int("variants", len(st.variants)),
			slog.String("variant", st.variants[0]))
		return r.resolve(ctx, st.variants[0], models.PurposeVariantPlaylist, st.key, true)
	}

	if len(st.segments) == 0 {
		return nil, fmt.Errorf("%s: %w", uri, errs.ErrNoSegments)
	}

	pl := &models.MediaPlaylist{URI: uri, Segments: st.segments, Init: st.init}
	if pl.Init != nil {
		// The init section sorts before every media segment.
		pl.Init.Sequence = pl.Segments[0].Sequence - 1
	}

	r.log.Debug("playlist resolved",
		slog.String("url", uri),
		slog.Int("segments", len(pl.Segments)),
		slog.Bool("init", pl.Init != nil),
		slog.Float64("duration", pl.Duration()))

	return pl, nil
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// scanResult is a scanned playlist: the collected segments and variants plus the final state.
type scanResult struct {
	parseState

	segments []models.MediaSegment
	variants []string
}

// scan folds playlist bytes line by line through parseState.step and collects what each line produced.
// It fails when the first non-blank line is not #EXTM3U.
func scan(data []byte, base *url.URL, key *models.SegmentKey, inVariant bool) (scanResult, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	text := string(data)

	res := scanResult{parseState: newParseState(base, key, inVariant)}
	header := false

	for line := range strings.Lines(text) {
		if !header {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, tagHeader) {
				return res, errs.ErrInvalidPlaylist
			}
			header = true
			continue
		}

		var out lineOutput
		res.parseState, out = res.step(line)
		switch {
		case out.segment != nil:
			res.segments = append(res.segments, *out.segment)
		case out.variant != "":
			res.variants = append(res.variants, out.variant)
		}
	}

	if !header {
		return res, errs.ErrInvalidPlaylist
	}

	return res, nil
}

// FetchSecretKeys fetches every distinct key used by the playlist exactly once.
// NONE keys map to models.NoneKey.
func (r *Resolver) FetchSecretKeys(ctx context.Context, pl *models.MediaPlaylist) (map[models.SegmentKey]*models.SecretKey, error) {
	keys := make(map[models.SegmentKey]*models.SecretKey)

	for _, k := range pl.Keys() {
		if _, ok := keys[k]; ok {
			continue
		}

		secret, err := r.fetchSecretKey(ctx, k)
		if err != nil {
			return nil, err
		}
		keys[k] = secret
	}

	return keys, nil
}

func (r *Resolver) fetchSecretKey(ctx context.Context, k models.SegmentKey) (*models.SecretKey, error) {
	switch k.Method {
	case models.MethodNone:
		return models.NoneKey, nil
	case models.MethodAES128:
	default:
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedKeyMethod, k.Method)
	}

	if !k.IsIdentityFormat() {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedKeyFormat, k.KeyFormat)
	}
	if k.URI == "" {
		return nil, fmt.Errorf("%w: AES-128 key without URI", errs.ErrInvalidKey)
	}

	iv, err := decryptor.ParseIV(k.IV)
	if err != nil {
		return nil, err
	}

	body, err := r.fetch(ctx, k.URI, r.requests.RequestConfig(models.PurposeKey, k.URI))
	if err != nil {
		return nil, fmt.Errorf("fetch key %s: %w", k.URI, err)
	}
	if len(body) != decryptor.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errs.ErrInvalidKey, decryptor.KeySize, len(body))
	}

	r.log.Debug("key fetched", slog.String("url", k.URI), slog.Bool("explicit_iv", iv != nil))

	return &models.SecretKey{Key: body, IV: iv, Method: k.Method}, nil
}
