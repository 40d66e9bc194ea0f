package pathsec

import (
	"net"
	"strings"
)

const (
	maxHostnameLen = 253
	maxLabelLen    = 63
)

// StripPort removes a trailing ":port" from host, including bracketed IPv6.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// ValidHostname reports whether host is a dot-separated list of labels made of
// letters, digits and hyphens, with no label starting or ending in a hyphen.
func ValidHostname(host string) bool {
	if host == "" || len(host) > maxHostnameLen {
		return false
	}
	for label := range strings.SplitSeq(host, ".") {
		if label == "" || len(label) > maxLabelLen {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := range len(label) {
			c := label[i]
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !isAlnum && c != '-' {
				return false
			}
		}
	}
	return true
}
