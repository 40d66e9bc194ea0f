// Package settings provides the runtime settings snapshot read by the
// resolution engine on every request.
package settings

import (
	"strings"
	"time"
)

// Default settings values.
const (
	defaultMaxBufferBytes    = 32 << 20
	defaultMaxExternalBytes  = 64 << 20
	defaultExternalTimeout   = 15 * time.Second
	defaultExternalRetries   = 3
	defaultExternalBackoff   = 500 * time.Millisecond
	defaultMaxRedirects      = 5
	defaultNegativeCacheTTL  = 30 * time.Second
	defaultNegativeCacheSize = 10000
	defaultStreamGrace       = 5 * time.Second
)

// CORS is the cross-origin policy applied to every dispatched response.
type CORS struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Snapshot is an immutable view of the runtime settings. Callers must not
// modify a Snapshot obtained from a Provider.
type Snapshot struct {
	DocumentRoot string   `yaml:"document_root"`
	CGIRoot      string   `yaml:"cgi_root"`
	OverrideDirs []string `yaml:"override_dirs"`

	SubdomainPrefixes []string `yaml:"subdomain_prefixes"`
	IndexExtensions   []string `yaml:"index_extensions"`
	ScriptExtensions  []string `yaml:"script_extensions"`

	BrotliEnabled bool `yaml:"brotli_enabled"`
	CGIEnabled    bool `yaml:"cgi_enabled"`
	CompatMode    bool `yaml:"compat_mode"`

	InfinityOrigin        string   `yaml:"infinity_origin"`
	ExternalFilePaths     []string `yaml:"external_file_paths"`
	LocalNetworkFallbacks []string `yaml:"local_network_fallbacks"`

	MaxBufferBytes   int64         `yaml:"max_buffer_bytes"`
	MaxExternalBytes int64         `yaml:"max_external_bytes"`
	ExternalTimeout  time.Duration `yaml:"external_timeout"`
	ExternalRetries  int           `yaml:"external_retries"`
	ExternalBackoff  time.Duration `yaml:"external_backoff"`
	MaxRedirects     int           `yaml:"max_redirects"`

	NegativeCacheTTL  time.Duration `yaml:"negative_cache_ttl"`
	NegativeCacheSize int           `yaml:"negative_cache_size"`

	PolyfillScripts []string      `yaml:"polyfill_scripts"`
	CORS            CORS          `yaml:"cors"`
	StreamGrace     time.Duration `yaml:"stream_grace"`
}

// SetDefaults fills unset fields.
func (s *Snapshot) SetDefaults() {
	if s.SubdomainPrefixes == nil {
		s.SubdomainPrefixes = []string{"www.", "core."}
	}
	if len(s.IndexExtensions) == 0 {
		s.IndexExtensions = []string{"htm", "html", "php"}
	}
	if len(s.ScriptExtensions) == 0 {
		s.ScriptExtensions = []string{"php", "cgi", "pl"}
	}
	if s.MaxBufferBytes == 0 {
		s.MaxBufferBytes = defaultMaxBufferBytes
	}
	if s.MaxExternalBytes == 0 {
		s.MaxExternalBytes = defaultMaxExternalBytes
	}
	if s.ExternalTimeout == 0 {
		s.ExternalTimeout = defaultExternalTimeout
	}
	if s.ExternalRetries == 0 {
		s.ExternalRetries = defaultExternalRetries
	}
	if s.ExternalBackoff == 0 {
		s.ExternalBackoff = defaultExternalBackoff
	}
	if s.MaxRedirects == 0 {
		s.MaxRedirects = defaultMaxRedirects
	}
	if s.NegativeCacheTTL == 0 {
		s.NegativeCacheTTL = defaultNegativeCacheTTL
	}
	if s.NegativeCacheSize == 0 {
		s.NegativeCacheSize = defaultNegativeCacheSize
	}
	if s.StreamGrace == 0 {
		s.StreamGrace = defaultStreamGrace
	}
	if len(s.CORS.AllowedMethods) == 0 {
		s.CORS.AllowedMethods = []string{"GET", "HEAD", "POST", "OPTIONS"}
	}
	if len(s.CORS.AllowedHeaders) == 0 {
		s.CORS.AllowedHeaders = []string{"Content-Type", "Range", "X-Requested-With"}
	}
	for i, ext := range s.ScriptExtensions {
		s.ScriptExtensions[i] = strings.TrimPrefix(strings.ToLower(ext), ".")
	}
}

// IsScript reports whether ext (with or without leading dot) is executed via CGI.
func (s *Snapshot) IsScript(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, e := range s.ScriptExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Provider hands out the current snapshot. Implementations are safe for
// concurrent use and never return nil.
type Provider interface {
	Current() *Snapshot
}

type staticProvider struct {
	snap *Snapshot
}

// Static returns a Provider that always yields s with defaults applied.
func Static(s Snapshot) Provider {
	s.SetDefaults()
	return staticProvider{snap: &s}
}

func (p staticProvider) Current() *Snapshot {
	return p.snap
}
