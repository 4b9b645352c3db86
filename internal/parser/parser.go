// Package parser resolves HLS playlists into media segments and key material.
package parser

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/models"
)

// FetchFunc retrieves the bytes behind uri. Playlists and keys are fetched through it.
type FetchFunc func(ctx context.Context, uri string, cfg models.RequestConfig) ([]byte, error)

// Playlist tags.
const (
	tagHeader        = "#EXTM3U"
	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
	tagInf           = "#EXTINF:"
	tagStreamInf     = "#EXT-X-STREAM-INF:"
	tagKey           = "#EXT-X-KEY:"
	tagSessionKey    = "#EXT-X-SESSION-KEY:"
	tagMap           = "#EXT-X-MAP:"
)

var attrRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// parseAttributes parses an HLS attribute list. Quoted values are unquoted.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = strings.Trim(m[2], "\"")
		}
	}
	return attrs
}

// resolveURL resolves a relative URL against a base URL.
func resolveURL(base *url.URL, relative string) string {
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	rel, err := url.Parse(relative)
	if err != nil || base == nil {
		return relative
	}
	return base.ResolveReference(rel).String()
}

// parseDuration reads the duration of an EXTINF value ("2.002,title").
func parseDuration(s string) float64 {
	s, _, _ = strings.Cut(s, ",")
	d, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
