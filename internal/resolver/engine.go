// Package resolver locates the bytes for an asset request on the local
// filesystem, through the CGI bridge, or on remote origins.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/cgi"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/pathsec"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

// RequestContext is what a CGI script needs from the original request.
type RequestContext struct {
	Method     string
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Engine resolves asset requests. It owns the negative lookup cache.
type Engine struct {
	settings settings.Provider
	cgi      cgi.Executor
	fetcher  *Fetcher
	negative *negativeCache
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewEngine wires an engine. The negative cache is sized from the settings
// snapshot current at construction. A nil executor disables CGI.
func NewEngine(
	provider settings.Provider,
	executor cgi.Executor,
	fetcher *Fetcher,
	log logger.Logger,
	m *metrics.Metrics,
) *Engine {
	snap := provider.Current()
	return &Engine{
		settings: provider,
		cgi:      executor,
		fetcher:  fetcher,
		negative: newNegativeCache(snap.NegativeCacheSize, snap.NegativeCacheTTL),
		log:      log,
		metrics:  m,
	}
}

// Resolve finds t locally, then remotely. It returns NotFoundAnywhere when
// every source is exhausted.
func (e *Engine) Resolve(ctx context.Context, t Target, rc RequestContext) (*Artifact, error) {
	snap := e.settings.Current()
	log := logger.FromContext(ctx, e.log)

	start := time.Now()
	artifact, err := e.resolveLocal(ctx, snap, t, rc)
	if err == nil {
		e.metrics.ResolveDuration.WithLabelValues(artifact.Stage).Observe(time.Since(start).Seconds())
		return artifact, nil
	}
	if !apperrors.Is(err, apperrors.NotFoundLocal) {
		return nil, err
	}

	if e.fetcher != nil {
		artifact, err = e.fetcher.Fetch(ctx, snap, t)
		if err == nil {
			if isHTML(artifact.ContentType) {
				e.applyPolyfills(log, snap, artifact)
			}
			e.metrics.ResolveDuration.WithLabelValues(StageOrigin).Observe(time.Since(start).Seconds())
			return artifact, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("Remote fallback exhausted", logger.Host(t.Host), logger.RedactedError(err))
	}
	return nil, apperrors.New(apperrors.NotFoundAnywhere, "resolver.Resolve", "no source has the requested file")
}

func (e *Engine) resolveLocal(ctx context.Context, snap *settings.Snapshot, t Target, rc RequestContext) (*Artifact, error) {
	log := logger.FromContext(ctx, e.log)

	for _, c := range Candidates(snap, t) {
		if e.negative.has(c.Path) {
			e.metrics.NegativeCacheHits.Inc()
			continue
		}

		abs, err := pathsec.ValidateWithinBase(c.Kind.Base(snap), c.Path)
		if err != nil {
			e.metrics.SecurityRejections.WithLabelValues("candidate_escape").Inc()
			log.Warn("Candidate rejected by path guard",
				logger.Host(t.Host),
				logger.String("kind", c.Kind.String()),
				logger.RedactedError(err),
			)
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				e.negative.add(c.Path)
			} else {
				log.Debug("Candidate stat failed", logger.RedactedError(err))
			}
			continue
		}
		if info.IsDir() {
			continue
		}

		if c.Kind == KindCGI {
			return e.runScript(ctx, snap, t, rc, abs, info.Size())
		}
		return e.serveFile(log, snap, abs, info.Size())
	}
	return nil, apperrors.New(apperrors.NotFoundLocal, "resolver.resolveLocal", "no local candidate")
}

// serveFile buffers HTML and Brotli files so they can be rewritten, and
// streams everything else. Files over the buffer ceiling are streamed as-is.
func (e *Engine) serveFile(log logger.Logger, snap *settings.Snapshot, abs string, size int64) (*Artifact, error) {
	const op = "resolver.serveFile"

	isBrotli := strings.EqualFold(filepath.Ext(abs), ".br")
	decompress := isBrotli && snap.BrotliEnabled
	contentType := ContentTypeFor(abs, decompress)
	html := isHTML(contentType)
	artifact := &Artifact{
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Stage:       StageLocal,
		Provenance:  StageLocal,
		Size:        size,
	}

	if (html || decompress) && size <= snap.MaxBufferBytes {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, op, err)
		}
		if decompress {
			plain, decErr := decompressBrotli(data, snap.MaxBufferBytes)
			switch {
			case decErr == nil:
				data = plain
			case errors.Is(decErr, apperrors.ErrTooLarge):
				log.Warn("Decompressed Brotli file exceeds buffer ceiling, streaming compressed")
				e.metrics.BufferDegradedStreams.Inc()
				return e.openStream(artifact, abs, "br")
			default:
				return nil, apperrors.Wrap(apperrors.Internal, op, decErr)
			}
		}
		if html {
			e.applyPolyfillsTo(log, snap, artifact, data)
		} else {
			artifact.Body = data
		}
		artifact.Size = int64(len(artifact.Body))
		return artifact, nil
	}

	encoding := ""
	if decompress {
		encoding = "br"
	}
	if html || decompress {
		log.Warn("File exceeds buffer ceiling, streaming without rewriting",
			logger.Int64("size", size),
			logger.Int64("ceiling", snap.MaxBufferBytes),
		)
		e.metrics.BufferDegradedStreams.Inc()
	}
	return e.openStream(artifact, abs, encoding)
}

func (e *Engine) openStream(artifact *Artifact, abs, encoding string) (*Artifact, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "resolver.openStream", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, apperrors.Wrap(apperrors.Internal, "resolver.openStream", err)
	}
	artifact.Stream = f
	artifact.Size = info.Size()
	artifact.Body = nil
	artifact.Encoding = encoding
	return artifact, nil
}

func decompressBrotli(data []byte, limit int64) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress brotli: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, apperrors.ErrTooLarge
	}
	return out, nil
}

func (e *Engine) applyPolyfills(log logger.Logger, snap *settings.Snapshot, artifact *Artifact) {
	e.applyPolyfillsTo(log, snap, artifact, artifact.Body)
}

// applyPolyfillsTo stores data, rewritten when possible, as the artifact body.
// A document that cannot be rewritten is served unmodified.
func (e *Engine) applyPolyfillsTo(log logger.Logger, snap *settings.Snapshot, artifact *Artifact, data []byte) {
	rewritten, err := injectPolyfills(data, snap.PolyfillScripts)
	if err != nil {
		log.Warn("Polyfill injection failed, serving original", logger.Error(err))
		artifact.Body = data
		return
	}
	artifact.Body = rewritten
}

func (e *Engine) runScript(
	ctx context.Context,
	snap *settings.Snapshot,
	t Target,
	rc RequestContext,
	abs string,
	size int64,
) (*Artifact, error) {
	const op = "resolver.runScript"
	log := logger.FromContext(ctx, e.log)

	if e.cgi == nil {
		return nil, apperrors.New(apperrors.NotFoundLocal, op, "cgi disabled")
	}
	if size > snap.MaxBufferBytes {
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
	}

	method := rc.Method
	if method == "" {
		method = http.MethodGet
	}
	header := rc.Header
	if header == nil {
		header = http.Header{}
	}
	resp, err := e.cgi.Execute(ctx, abs, cgi.Request{
		Method:       method,
		URL:          &url.URL{Scheme: "http", Host: t.Host, Path: t.Path, RawQuery: t.RawQuery},
		Header:       header,
		Body:         rc.Body,
		RemoteAddr:   rc.RemoteAddr,
		DocumentRoot: snap.DocumentRoot,
	})
	if err != nil {
		log.Error("CGI execution failed", logger.Host(t.Host), logger.RedactedError(err))
		if apperrors.Is(err, apperrors.ResourceExhausted) {
			return nil, err
		}
		return nil, apperrors.New(apperrors.UpstreamTerminal, op, "script execution failed")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	resp.Header.Del("Content-Type")
	resp.Header.Del("Content-Length")

	artifact := &Artifact{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Header:      resp.Header,
		Stage:       StageCGI,
		Provenance:  StageCGI,
	}
	if isHTML(contentType) {
		e.applyPolyfillsTo(log, snap, artifact, resp.Body)
	} else {
		artifact.Body = resp.Body
	}
	artifact.Size = int64(len(artifact.Body))
	return artifact, nil
}
