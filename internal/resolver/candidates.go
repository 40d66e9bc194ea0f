package resolver

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

// Kind says where a candidate lives and which base directory bounds it.
type Kind int

const (
	// KindDocument is a file under the document root for a hostname variant.
	KindDocument Kind = iota
	// KindOverride is a file under an override directory inside the document root.
	KindOverride
	// KindIndex is a directory index file under the document root.
	KindIndex
	// KindCGI is a script under the CGI root.
	KindCGI
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindOverride:
		return "override"
	case KindIndex:
		return "index"
	case KindCGI:
		return "cgi"
	default:
		return "unknown"
	}
}

// Base returns the directory a candidate of kind k must stay within.
func (k Kind) Base(s *settings.Snapshot) string {
	switch k {
	case KindCGI:
		return s.CGIRoot
	case KindDocument, KindOverride, KindIndex:
		return s.DocumentRoot
	default:
		panic("resolver: unhandled candidate kind " + k.String())
	}
}

// Candidate is one filesystem path the engine will try.
type Candidate struct {
	Path string
	Kind Kind
}

// Target is a parsed asset request. Path is decoded and starts with "/".
type Target struct {
	Host     string
	Path     string
	RawQuery string
}

// RelPath is "host/path" without the query.
func (t Target) RelPath() string {
	return t.Host + t.Path
}

// Candidates lists, in priority order and without case-insensitive
// duplicates, every path that could satisfy t under snapshot s.
func Candidates(s *settings.Snapshot, t Target) []Candidate {
	var (
		out  []Candidate
		seen = make(map[string]struct{})
	)
	add := func(kind Kind, elems ...string) {
		p := filepath.Join(elems...)
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Path: p, Kind: kind})
	}

	hosts := hostVariants(t.Host, s.SubdomainPrefixes)
	variants := pathVariants(t)

	for _, h := range hosts {
		for _, v := range variants {
			add(KindDocument, s.DocumentRoot, h, v)
		}
	}
	for _, dir := range s.OverrideDirs {
		for _, h := range hosts {
			for _, v := range variants {
				add(KindOverride, s.DocumentRoot, dir, h, v)
			}
		}
	}

	if s.CGIEnabled && s.CGIRoot != "" && s.IsScript(path.Ext(t.Path)) {
		for _, v := range variants {
			add(KindCGI, s.CGIRoot, t.Host, v)
		}
	}

	if looksLikeDirectory(t.Path) {
		dir := filepath.FromSlash(t.Path)
		for _, ext := range s.IndexExtensions {
			name := "index." + ext
			if s.CGIEnabled && s.CGIRoot != "" && s.IsScript(ext) {
				add(KindCGI, s.CGIRoot, t.Host, dir, name)
				continue
			}
			add(KindIndex, s.DocumentRoot, t.Host, dir, name)
			for _, override := range s.OverrideDirs {
				add(KindIndex, s.DocumentRoot, override, t.Host, dir, name)
			}
		}
	}
	return out
}

// hostVariants returns host followed by host with each prefix it lacks.
func hostVariants(host string, prefixes []string) []string {
	out := []string{host}
	lower := strings.ToLower(host)
	for _, p := range prefixes {
		if p == "" || strings.HasPrefix(lower, strings.ToLower(p)) {
			continue
		}
		out = append(out, p+host)
	}
	return out
}

// pathVariants returns the path with its query as a literal filename suffix
// (when there is a query) and then the bare path.
func pathVariants(t Target) []string {
	bare := filepath.FromSlash(t.Path)
	if t.RawQuery == "" {
		return []string{bare}
	}
	return []string{filepath.FromSlash(t.Path + "?" + t.RawQuery), bare}
}

func looksLikeDirectory(p string) bool {
	return strings.HasSuffix(p, "/") || path.Ext(p) == ""
}
