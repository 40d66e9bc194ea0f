package resolver

import (
	"io"
	"net/http"
)

// Stages that can produce an artifact.
const (
	StageMount  = "mount"
	StageLocal  = "local"
	StageCGI    = "cgi"
	StageOrigin = "origin"
)

// Artifact is a located response body. Exactly one of Body and Stream is set;
// the receiver of a Stream must close it.
type Artifact struct {
	StatusCode  int
	ContentType string
	// Header carries extra headers produced by a CGI script.
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
	// Size is the byte length of Stream, or -1 when unknown.
	Size int64
	// Encoding is set to "br" when Stream is raw Brotli data.
	Encoding   string
	Stage      string
	Provenance string
}

// Buffered reports whether the body is held in memory.
func (a *Artifact) Buffered() bool {
	return a.Stream == nil
}

// Close releases the stream, if any.
func (a *Artifact) Close() error {
	if a.Stream == nil {
		return nil
	}
	return a.Stream.Close()
}
