package models

import "maps"

// Purpose tags a transport request so callers can customize it per kind.
type Purpose int

const (
	PurposePlaylist Purpose = iota
	PurposeVariantPlaylist
	PurposeKey
	PurposeSegment
)

func (p Purpose) String() string {
	switch p {
	case PurposePlaylist:
		return "playlist"
	case PurposeVariantPlaylist:
		return "variant-playlist"
	case PurposeKey:
		return "key"
	case PurposeSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// RequestConfig is the per-request transport configuration.
type RequestConfig struct {
	Headers map[string]string
	Proxy   string // empty means direct
	Retries int
}

// RequestConfigurer returns the transport configuration for a request.
type RequestConfigurer interface {
	RequestConfig(purpose Purpose, uri string) RequestConfig
}

// StaticRequestConfig returns the same configuration for every purpose.
type StaticRequestConfig RequestConfig

// RequestConfig implements RequestConfigurer.
func (s StaticRequestConfig) RequestConfig(Purpose, string) RequestConfig {
	return RequestConfig{
		Headers: maps.Clone(s.Headers),
		Proxy:   s.Proxy,
		Retries: s.Retries,
	}
}

// RequestConfigFunc adapts a function to RequestConfigurer.
type RequestConfigFunc func(purpose Purpose, uri string) RequestConfig

// RequestConfig implements RequestConfigurer.
func (f RequestConfigFunc) RequestConfig(purpose Purpose, uri string) RequestConfig {
	return f(purpose, uri)
}
