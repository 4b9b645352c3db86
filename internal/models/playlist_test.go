package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMediaPlaylistKeys(t *testing.T) {
	k1 := &SegmentKey{URI: "https://cdn.example.com/k1", Method: MethodAES128}
	k1Again := &SegmentKey{URI: "https://cdn.example.com/k1", Method: MethodAES128}
	k2 := &SegmentKey{URI: "https://cdn.example.com/k2", Method: MethodAES128, IV: "0x01"}

	pl := &MediaPlaylist{
		Init: &MediaSegment{URI: "init.mp4", Key: k2},
		Segments: []MediaSegment{
			{URI: "a.ts", Key: k1, Duration: 4},
			{URI: "b.ts", Key: k1Again, Duration: 4.5},
			{URI: "c.ts", Duration: 1.5},
		},
	}

	assert.Equal(t, []SegmentKey{*k2, *k1}, pl.Keys())
	assert.InDelta(t, 10.0, pl.Duration(), 1e-9)
}

func TestSegmentKeyIdentityFormat(t *testing.T) {
	assert.True(t, SegmentKey{}.IsIdentityFormat())
	assert.True(t, SegmentKey{KeyFormat: "Identity"}.IsIdentityFormat())
	assert.False(t, SegmentKey{KeyFormat: "com.apple.streamingkeydelivery"}.IsIdentityFormat())
}

func TestSecretKeyEncrypted(t *testing.T) {
	var nilKey *SecretKey
	assert.False(t, nilKey.Encrypted())
	assert.False(t, NoneKey.Encrypted())
	assert.True(t, (&SecretKey{Key: make([]byte, 16), Method: MethodAES128}).Encrypted())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		want MediaKind
	}{
		{"movie.ts", KindTS},
		{"movie.MP4", KindVideo},
		{"track.m4a", KindAudio},
		{"noext", KindTS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.name))
		})
	}
	assert.Equal(t, "audio", KindAudio.String())
}

func TestStaticRequestConfigClonesHeaders(t *testing.T) {
	s := StaticRequestConfig{Headers: map[string]string{"Referer": "x"}, Retries: 2}

	cfg := s.RequestConfig(PurposeSegment, "https://cdn.example.com/a.ts")
	cfg.Headers["Referer"] = "changed"

	assert.Equal(t, "x", s.Headers["Referer"])
	assert.Equal(t, 2, cfg.Retries)
	assert.Equal(t, "variant-playlist", PurposeVariantPlaylist.String())
}
