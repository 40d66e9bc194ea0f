// Package dispatcher turns an inbound asset request into a response by
// consulting mounted archives, then the resolver, then in-flight downloads.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloads"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/resolver"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

const (
	// HeaderSource names the stage or origin that produced a response.
	HeaderSource = "X-Asset-Source"

	sourceLoading = "loading"
	sourceError   = "error"
)

// Headers a CGI script may set on the response.
var cgiHeaderAllowlist = []string{
	"Location",
	"Set-Cookie",
	"Cache-Control",
	"Expires",
	"Last-Modified",
	"ETag",
	"Content-Disposition",
	"Content-Language",
}

// MountFinder looks a "host/path" up across mounted archives.
type MountFinder interface {
	Find(relPath string) ([]byte, string, bool)
}

// Resolver locates a target locally or remotely.
type Resolver interface {
	Resolve(ctx context.Context, t resolver.Target, rc resolver.RequestContext) (*resolver.Artifact, error)
}

// DownloadLookup finds an in-flight download that may serve a path.
type DownloadLookup interface {
	LookupActiveDownloadFor(relPath string) (downloads.Progress, bool)
}

// Request is the parsed inbound request.
type Request struct {
	Method string
	// Target is the raw request target, still percent-encoded.
	Target     string
	Host       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Response is what the host server writes back. Exactly one of Body and
// Stream is used; the writer must close Stream.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Stream        io.ReadCloser
	ContentLength int64
}

// Close releases the stream, if any.
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// Dispatcher is the single per-request entry point.
type Dispatcher struct {
	settings  settings.Provider
	mounts    MountFinder
	resolver  Resolver
	downloads DownloadLookup
	log       logger.Logger
	metrics   *metrics.Metrics
}

// New wires a Dispatcher. downloads may be nil.
func New(
	provider settings.Provider,
	mounts MountFinder,
	res Resolver,
	dl DownloadLookup,
	log logger.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		settings:  provider,
		mounts:    mounts,
		resolver:  res,
		downloads: dl,
		log:       log,
		metrics:   m,
	}
}

// Dispatch always returns a response; failures become error responses.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Response {
	snap := d.settings.Current()
	log := logger.FromContext(ctx, d.log)

	resp, stage := d.dispatch(ctx, snap, req)
	if req.Method == http.MethodHead {
		_ = resp.Close()
		resp.Stream = nil
		resp.Body = nil
	}

	applyCORS(resp.Header, snap.CORS, req.Header.Get("Origin"))
	resp.Header.Set("X-Content-Type-Options", "nosniff")

	d.metrics.RequestsTotal.WithLabelValues(stage, strconv.Itoa(resp.StatusCode)).Inc()
	log.Debug("Dispatched asset request",
		logger.String("method", req.Method),
		logger.String("stage", stage),
		logger.Int("status", resp.StatusCode),
	)
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, snap *settings.Snapshot, req Request) (*Response, string) {
	if req.Method == http.MethodOptions {
		return &Response{StatusCode: http.StatusNoContent, Header: http.Header{}}, "preflight"
	}

	target, form, err := ParseTarget(req.Target, req.Host)
	if err != nil {
		return d.errorResponse(ctx, err), sourceError
	}
	log := logger.FromContext(ctx, d.log).With(logger.Host(target.Host), logger.String("form", form.String()))
	ctx = logger.WithContext(ctx, log)

	relPath := target.RelPath()
	if data, id, ok := d.mounts.Find(relPath); ok {
		return bufferedResponse(http.StatusOK, resolver.ContentTypeFor(target.Path, false), id, data), resolver.StageMount
	}

	artifact, err := d.resolver.Resolve(ctx, target, resolver.RequestContext{
		Method:     req.Method,
		Header:     req.Header,
		Body:       req.Body,
		RemoteAddr: req.RemoteAddr,
	})
	if err != nil {
		if apperrors.Is(err, apperrors.NotFoundAnywhere) && d.downloads != nil {
			if p, ok := d.downloads.LookupActiveDownloadFor(relPath); ok {
				if resp := d.loadingResponse(log, p); resp != nil {
					return resp, sourceLoading
				}
			}
		}
		return d.errorResponse(ctx, err), sourceError
	}
	return artifactResponse(artifact), artifact.Stage
}

func bufferedResponse(status int, contentType, source string, body []byte) *Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set(HeaderSource, source)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{StatusCode: status, Header: h, Body: body, ContentLength: int64(len(body))}
}

func artifactResponse(a *resolver.Artifact) *Response {
	h := http.Header{}
	for _, name := range cgiHeaderAllowlist {
		for _, v := range a.Header.Values(name) {
			if strings.ContainsAny(v, "\r\n") {
				continue
			}
			h.Add(name, v)
		}
	}
	h.Set("Content-Type", a.ContentType)
	h.Set(HeaderSource, a.Provenance)

	status := a.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	resp := &Response{StatusCode: status, Header: h, ContentLength: -1}
	if a.Buffered() {
		resp.Body = a.Body
		resp.ContentLength = int64(len(a.Body))
	} else {
		resp.Stream = a.Stream
		resp.ContentLength = a.Size
		if a.Encoding != "" {
			h.Set("Content-Encoding", a.Encoding)
			h.Add("Vary", "Accept-Encoding")
		}
	}
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return resp
}

func (d *Dispatcher) loadingResponse(log logger.Logger, p downloads.Progress) *Response {
	page, err := downloads.LoadingPage(p)
	if err != nil {
		log.Error("Failed to render loading page", logger.Error(err))
		return nil
	}
	resp := bufferedResponse(http.StatusOK, "text/html; charset=utf-8", sourceLoading, page)
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}

func (d *Dispatcher) errorResponse(ctx context.Context, err error) *Response {
	log := logger.FromContext(ctx, d.log)
	status := apperrors.StatusCode(err)

	switch {
	case errors.Is(err, context.Canceled):
		log.Debug("Request cancelled by client")
	case apperrors.Is(err, apperrors.PathEscape), apperrors.Is(err, apperrors.InvalidInput):
		d.metrics.SecurityRejections.WithLabelValues(apperrors.KindOf(err).String()).Inc()
		log.Warn("Rejected asset request", logger.RedactedError(err))
	case status >= http.StatusInternalServerError:
		log.Error("Asset request failed", logger.RedactedError(err))
	default:
		log.Debug("Asset not found", logger.RedactedError(err))
	}

	resp := bufferedResponse(status, "text/plain; charset=utf-8", sourceError, []byte(apperrors.PublicMessage(err)))
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}

func applyCORS(h http.Header, cors settings.CORS, origin string) {
	if !cors.Enabled {
		return
	}
	allow := ""
	for _, o := range cors.AllowedOrigins {
		if o == "*" {
			allow = "*"
			break
		}
		if origin != "" && strings.EqualFold(o, origin) {
			allow = origin
			break
		}
	}
	if allow == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allow)
	if allow != "*" {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(cors.AllowedMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(cors.AllowedHeaders, ", "))
	if cors.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(cors.MaxAge))
	}
}
