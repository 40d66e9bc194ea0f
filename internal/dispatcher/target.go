package dispatcher

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/pathsec"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/resolver"
)

// TargetForm is how a request named its asset.
type TargetForm int

const (
	// FormConventional uses the Host header and the request path.
	FormConventional TargetForm = iota
	// FormProxyAbsolute is "http://host/path" as the request target.
	FormProxyAbsolute
	// FormProxyRooted is "/http://host/path".
	FormProxyRooted
)

func (f TargetForm) String() string {
	switch f {
	case FormProxyAbsolute:
		return "proxy-absolute"
	case FormProxyRooted:
		return "proxy-rooted"
	default:
		return "conventional"
	}
}

// singleSlashScheme matches "http:/x" (optionally after a leading slash)
// where a proxying client collapsed the double slash.
var singleSlashScheme = regexp.MustCompile(`(?i)^(/?)(https?):/([^/])`)

// RepairTarget restores a collapsed "http:/" or "https:/" to "://".
func RepairTarget(target string) string {
	return singleSlashScheme.ReplaceAllString(target, "${1}${2}://${3}")
}

func hasScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ParseTarget turns a raw request target and Host header into a resolver
// target. The path is sanitized while still encoded and only then decoded.
func ParseTarget(rawTarget, hostHeader string) (resolver.Target, TargetForm, error) {
	const op = "dispatcher.ParseTarget"

	target := RepairTarget(rawTarget)
	var (
		form TargetForm
		host string
		rest string
	)
	switch {
	case hasScheme(target):
		form = FormProxyAbsolute
		host, rest = splitAbsolute(target)
	case strings.HasPrefix(target, "/") && hasScheme(target[1:]):
		form = FormProxyRooted
		host, rest = splitAbsolute(target[1:])
	default:
		form = FormConventional
		host, rest = hostHeader, target
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
	}

	rest, _, _ = strings.Cut(rest, "#")
	rawPath, rawQuery, _ := strings.Cut(rest, "?")

	host = strings.ToLower(strings.TrimSuffix(pathsec.StripPort(host), "."))
	if !pathsec.ValidHostname(host) {
		return resolver.Target{}, form, apperrors.New(apperrors.InvalidInput, op, "invalid hostname")
	}

	if _, err := pathsec.SanitizeURLPath(rawPath); err != nil {
		return resolver.Target{}, form, err
	}
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return resolver.Target{}, form, apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	for seg := range strings.SplitSeq(strings.ReplaceAll(decoded, `\`, "/"), "/") {
		if seg == ".." {
			return resolver.Target{}, form, apperrors.New(apperrors.InvalidInput, op, "dot-dot segment in path")
		}
	}

	return resolver.Target{Host: host, Path: decoded, RawQuery: rawQuery}, form, nil
}

// splitAbsolute splits "scheme://host/rest" into host and "/rest".
func splitAbsolute(s string) (string, string) {
	_, after, _ := strings.Cut(s, "://")
	i := strings.IndexAny(after, "/?#")
	if i < 0 {
		return after, "/"
	}
	host, rest := after[:i], after[i:]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return host, rest
}
