package parser

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/models"
)

// parseState is the running state of a playlist scan.
// step never mutates its receiver; it returns the state after one line
// and whatever that line produced.
type parseState struct {
	base      *url.URL
	inVariant bool

	sequence       int64
	key            *models.SegmentKey
	pendingInf     bool
	pendingDur     float64
	pendingVariant bool

	init *models.MediaSegment
}

// lineOutput is what a single URI line produces: a media segment, a variant URI, or nothing.
type lineOutput struct {
	segment *models.MediaSegment
	variant string
}

func newParseState(base *url.URL, key *models.SegmentKey, inVariant bool) parseState {
	return parseState{base: base, key: key, inVariant: inVariant}
}

func (s parseState) step(line string) (parseState, lineOutput) {
	line = strings.TrimSpace(line)

	switch {
	case line == "":
		return s, lineOutput{}

	case strings.HasPrefix(line, tagMediaSequence):
		if seq, err := strconv.ParseInt(strings.TrimPrefix(line, tagMediaSequence), 10, 64); err == nil {
			s.sequence = seq
		}
		return s, lineOutput{}

	case strings.HasPrefix(line, tagInf):
		s.pendingInf = true
		s.pendingDur = parseDuration(strings.TrimPrefix(line, tagInf))
		return s, lineOutput{}

	case strings.HasPrefix(line, tagStreamInf):
		// Nested variants are ignored so a self-referencing playlist cannot recurse forever.
		s.pendingVariant = !s.inVariant
		return s, lineOutput{}

	case strings.HasPrefix(line, tagKey):
		s.key = s.parseKey(strings.TrimPrefix(line, tagKey))
		return s, lineOutput{}

	case strings.HasPrefix(line, tagSessionKey):
		s.key = s.parseKey(strings.TrimPrefix(line, tagSessionKey))
		return s, lineOutput{}

	case strings.HasPrefix(line, tagMap):
		attrs := parseAttributes(strings.TrimPrefix(line, tagMap))
		if uri := attrs["URI"]; uri != "" {
			s.init = &models.MediaSegment{URI: resolveURL(s.base, uri), Key: s.key}
		}
		return s, lineOutput{}

	case strings.HasPrefix(line, "#"):
		return s, lineOutput{}

	case s.pendingVariant:
		s.pendingVariant = false
		return s, lineOutput{variant: resolveURL(s.base, line)}

	case s.pendingInf:
		seg := models.MediaSegment{
			URI:      resolveURL(s.base, line),
			Sequence: s.sequence,
			Key:      s.key,
			Duration: s.pendingDur,
		}
		s.sequence++
		s.pendingInf = false
		s.pendingDur = 0
		return s, lineOutput{segment: &seg}
	}

	return s, lineOutput{}
}

// parseKey builds the key context from an EXT-X-KEY attribute list.
func (s parseState) parseKey(attrList string) *models.SegmentKey {
	attrs := parseAttributes(attrList)

	key := &models.SegmentKey{
		IV:                attrs["IV"],
		Method:            strings.ToUpper(attrs["METHOD"]),
		KeyFormat:         attrs["KEYFORMAT"],
		KeyFormatVersions: attrs["KEYFORMATVERSIONS"],
	}
	if key.Method == "" {
		key.Method = models.MethodNone
	}
	if uri := attrs["URI"]; uri != "" {
		key.URI = resolveURL(s.base, uri)
	}

	return key
}
