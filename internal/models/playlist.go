// Package models defines the playlist, key and request types shared by the downloader.
package models

import (
	"path/filepath"
	"strings"
)

// Key methods understood by the resolver.
const (
	MethodNone   = "NONE"
	MethodAES128 = "AES-128"
)

// KeyFormatIdentity is the only key format supported. An empty KEYFORMAT means identity.
const KeyFormatIdentity = "identity"

// SegmentKey is the key directive in effect for a segment.
// It is comparable; two directives with equal attributes are the same key.
type SegmentKey struct {
	URI               string
	IV                string // raw IV attribute, empty when absent
	Method            string
	KeyFormat         string
	KeyFormatVersions string
}

// IsIdentityFormat reports whether the key uses the identity key format.
func (k SegmentKey) IsIdentityFormat() bool {
	return k.KeyFormat == "" || strings.EqualFold(k.KeyFormat, KeyFormatIdentity)
}

// SecretKey is a fetched and decoded key.
type SecretKey struct {
	Key    []byte // 16 bytes for AES-128, nil for NONE
	IV     []byte // 16 bytes, nil when derived from the segment sequence
	Method string
}

// Encrypted reports whether segments using this key need decryption.
func (k *SecretKey) Encrypted() bool {
	return k != nil && k.Method == MethodAES128 && len(k.Key) > 0
}

// NoneKey is the sentinel for unencrypted segments.
var NoneKey = &SecretKey{Method: MethodNone}

// MediaSegment is one resolved segment of a media playlist.
type MediaSegment struct {
	URI      string
	Sequence int64
	Key      *SegmentKey // nil when no key directive preceded the segment
	Duration float64     // seconds
}

// MediaPlaylist is the result of resolving a playlist down to its media segments.
type MediaPlaylist struct {
	// URI is the media playlist actually parsed (the first variant for a master playlist).
	URI      string
	Segments []MediaSegment
	// Init is the EXT-X-MAP initialization section, if any.
	Init *MediaSegment
}

// Duration returns the sum of segment durations in seconds.
func (p *MediaPlaylist) Duration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// Keys returns the distinct key directives in first-seen order.
func (p *MediaPlaylist) Keys() []SegmentKey {
	seen := make(map[SegmentKey]struct{})
	var keys []SegmentKey

	add := func(k *SegmentKey) {
		if k == nil {
			return
		}
		if _, ok := seen[*k]; ok {
			return
		}
		seen[*k] = struct{}{}
		keys = append(keys, *k)
	}

	if p.Init != nil {
		add(p.Init.Key)
	}
	for i := range p.Segments {
		add(p.Segments[i].Key)
	}

	return keys
}

// MediaKind is the segment directory kind derived from the output extension.
type MediaKind int

const (
	KindTS MediaKind = iota
	KindVideo
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "ts"
	}
}

// KindOf returns the media kind for an output file name.
func KindOf(fileName string) MediaKind {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".mp4":
		return KindVideo
	case ".m4a":
		return KindAudio
	default:
		return KindTS
	}
}
