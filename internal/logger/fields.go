package logger

import (
	"time"

	"go.uber.org/zap"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/pathsec"
)

// String creates a string field.
func String(key, val string) Field { return zap.String(key, val) }

// Strings creates a string slice field.
func Strings(key string, val []string) Field { return zap.Strings(key, val) }

// Int creates an int field.
func Int(key string, val int) Field { return zap.Int(key, val) }

// Int64 creates an int64 field.
func Int64(key string, val int64) Field { return zap.Int64(key, val) }

// Bool creates a bool field.
func Bool(key string, val bool) Field { return zap.Bool(key, val) }

// Duration creates a duration field.
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }

// Time creates a time field.
func Time(key string, val time.Time) Field { return zap.Time(key, val) }

// Any creates a field holding an arbitrary value.
func Any(key string, val any) Field { return zap.Any(key, val) }

// Error creates an error field under "error".
func Error(err error) Field { return zap.Error(err) }

// RedactedError logs err under "error" with absolute filesystem paths masked.
// Use it for anything that may end up in a client-visible log sink.
func RedactedError(err error) Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", pathsec.RedactPaths(err.Error()))
}

// RequestID tags an entry with the request correlation id.
func RequestID(id string) Field { return zap.String("request_id", id) }

// Host tags an entry with the requested hostname.
func Host(host string) Field { return zap.String("host", host) }

// Provenance tags an entry with where a response body came from.
func Provenance(src string) Field { return zap.String("provenance", src) }
