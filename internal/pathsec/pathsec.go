// Package pathsec guards request paths and resolved filesystem paths.
//
// Request paths are checked while still percent-encoded; filesystem paths are
// checked after resolution against the base directory they must stay inside.
package pathsec

import (
	"net/url"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

// doubleEncoded matches "%25" followed by the encoding of '.', '/', '\' or NUL.
var doubleEncoded = regexp.MustCompile(`(?i)%25(2e|2f|5c|00)`)

// Encoded traversal sequences rejected outright, compared lower-cased.
var encodedTraversal = []string{
	"..%2f",
	"..%5c",
	"%2e%2e%2f",
	"%2e%2e/",
	"%2e%2e%5c",
	"%00",
}

// DetectDoubleEncoding reports whether decoding path twice would expose a dot,
// slash, backslash or NUL that a single decode hides.
func DetectDoubleEncoding(path string) bool {
	return doubleEncoded.MatchString(path)
}

// SanitizeURLPath validates a still-encoded URL path. It rejects and never
// strips: the returned string is the input unchanged.
func SanitizeURLPath(path string) (string, error) {
	const op = "pathsec.SanitizeURLPath"

	if strings.ContainsRune(path, 0) {
		return "", apperrors.New(apperrors.InvalidInput, op, "null byte in path")
	}
	if DetectDoubleEncoding(path) {
		return "", apperrors.New(apperrors.InvalidInput, op, "double-encoded path")
	}
	lower := strings.ToLower(path)
	for _, pattern := range encodedTraversal {
		if strings.Contains(lower, pattern) {
			return "", apperrors.New(apperrors.InvalidInput, op, "encoded traversal sequence")
		}
	}
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", apperrors.New(apperrors.InvalidInput, op, "null byte in decoded path")
	}
	return path, nil
}

// CaseInsensitiveFS reports whether path comparisons should ignore case.
// Overridable for tests and for case-insensitive volumes on other platforms.
var CaseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// ValidateWithinBase resolves request against base and returns the absolute
// result if it equals base or lies beneath it. A sibling directory sharing a
// name prefix with base ("/a/htdocs-evil" next to "/a/htdocs") is rejected.
func ValidateWithinBase(base, request string) (string, error) {
	const op = "pathsec.ValidateWithinBase"

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, op, err)
	}
	target := request
	if !filepath.IsAbs(target) {
		target = filepath.Join(absBase, target)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, op, err)
	}

	if !within(absBase, absTarget) {
		return "", apperrors.New(apperrors.PathEscape, op, "path escapes base directory")
	}
	return absTarget, nil
}

func within(base, target string) bool {
	if CaseInsensitiveFS {
		base = strings.ToLower(base)
		target = strings.ToLower(target)
	}
	if target == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

var (
	windowsPath = regexp.MustCompile(`(?i)\b[a-z]:[\\/][^\s"'<>|:*?]*`)
	posixPath   = regexp.MustCompile(`(^|[\s"'(=])/[^\s"'<>():,]+`)
)

// RedactPaths replaces absolute POSIX and Windows paths in msg with "[path]".
func RedactPaths(msg string) string {
	msg = windowsPath.ReplaceAllString(msg, "[path]")
	return posixPath.ReplaceAllString(msg, "${1}[path]")
}
