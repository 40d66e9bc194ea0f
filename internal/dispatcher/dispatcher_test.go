package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloader"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloads"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/mounts"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/resolver"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

type gateway struct {
	registry   *mounts.Registry
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
}

func newGateway(t *testing.T, snap settings.Snapshot, dl DownloadLookup) *gateway {
	t.Helper()
	if snap.DocumentRoot == "" {
		snap.DocumentRoot = t.TempDir()
	}
	provider := settings.Static(snap)
	m := metrics.Discard()
	registry := mounts.NewRegistry(mounts.Config{Capacity: 8, MaxEntryBytes: 1 << 20}, logger.NewNop(), m)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	fetcher := resolver.NewFetcher(provider, resolver.FetcherConfig{}, logger.NewNop(), m)
	engine := resolver.NewEngine(provider, nil, fetcher, logger.NewNop(), m)
	return &gateway{
		registry:   registry,
		dispatcher: New(provider, registry, engine, dl, logger.NewNop(), m),
		metrics:    m,
	}
}

func body(t *testing.T, resp *Response) []byte {
	t.Helper()
	if resp.Stream == nil {
		return resp.Body
	}
	defer func() { _ = resp.Close() }()
	data, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	return data
}

func zipFile(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	path := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

// The origin's declared type is ignored in favour of the extension.
func TestDispatch_OriginBytesWithExtensionType(t *testing.T) {
	t.Parallel()

	page := "<html><head></head><body>remote game</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/example.com/game/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-evil")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)

	g := newGateway(t, settings.Snapshot{InfinityOrigin: srv.URL}, nil)

	resp := g.dispatcher.Dispatch(context.Background(), Request{
		Method: http.MethodGet,
		Target: "/game/index.html",
		Host:   "example.com",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "origin:infinity", resp.Header.Get(HeaderSource))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, page, string(body(t, resp)))
}

func TestDispatch_ServedFromMountedArchive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("origin must not be contacted for mounted content")
	}))
	t.Cleanup(srv.Close)

	g := newGateway(t, settings.Snapshot{InfinityOrigin: srv.URL}, nil)
	archive := zipFile(t, t.TempDir(), map[string]string{"content/example.com/app.swf": "FWS-mounted"})
	require.NoError(t, g.registry.Mount(context.Background(), "abc123", archive))

	resp := g.dispatcher.Dispatch(context.Background(), Request{
		Method: http.MethodGet,
		Target: "http://example.com/app.swf?cache=1",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", resp.Header.Get(HeaderSource))
	assert.Equal(t, "application/x-shockwave-flash", resp.Header.Get("Content-Type"))
	assert.Equal(t, "FWS-mounted", string(body(t, resp)))
}

func TestDispatch_LoadingPageWhileDownloading(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mirror := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(mirror.Close)

	pool := x509.NewCertPool()
	pool.AddCert(mirror.Certificate())
	root := t.TempDir()
	m := metrics.Discard()
	dl := downloader.New(downloader.Config{
		Root:            root,
		Sources:         []downloader.Source{{Name: "mirror", URL: mirror.URL}},
		AllowedNetworks: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
		TLSConfig:       &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}, logger.NewNop(), m)
	registry := mounts.NewRegistry(mounts.Config{Capacity: 4}, logger.NewNop(), m)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	orch, err := downloads.New(downloads.Config{ArtifactRoot: root}, registry, dl, downloads.NewMemoryStore(8, time.Hour), logger.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(release)
		_ = orch.Close(context.Background())
	})

	out := orch.RequestMount(context.Background(), "abc123", "", &downloads.Hint{
		Date:  "2021-03-04T05:06:07.890Z",
		Hosts: []string{"example.com"},
	})
	require.Equal(t, downloads.Outcome{Accepted: true, Downloading: true, StatusCode: http.StatusAccepted}, out)

	g := newGateway(t, settings.Snapshot{}, orch)
	resp := g.dispatcher.Dispatch(context.Background(), Request{
		Method: http.MethodGet,
		Target: "/game.swf",
		Host:   "example.com",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "loading", resp.Header.Get(HeaderSource))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, string(resp.Body), `http-equiv="refresh"`)

	other := g.dispatcher.Dispatch(context.Background(), Request{Method: http.MethodGet, Target: "/game.swf", Host: "other.org"})
	assert.Equal(t, http.StatusNotFound, other.StatusCode)
}

type spyMounts struct{ calls atomic.Int32 }

func (s *spyMounts) Find(string) ([]byte, string, bool) {
	s.calls.Add(1)
	return nil, "", false
}

type stubResolver struct {
	calls    atomic.Int32
	artifact *resolver.Artifact
	err      error
}

func (s *stubResolver) Resolve(context.Context, resolver.Target, resolver.RequestContext) (*resolver.Artifact, error) {
	s.calls.Add(1)
	return s.artifact, s.err
}

func newStubDispatcher(snap settings.Snapshot, res Resolver) (*Dispatcher, *spyMounts) {
	mnt := &spyMounts{}
	return New(settings.Static(snap), mnt, res, nil, logger.NewNop(), metrics.Discard()), mnt
}

func TestDispatch_DoubleEncodedTraversalRejectedEarly(t *testing.T) {
	t.Parallel()

	res := &stubResolver{}
	d, mnt := newStubDispatcher(settings.Snapshot{}, res)

	resp := d.Dispatch(context.Background(), Request{
		Method: http.MethodGet,
		Target: "/%252e%252e%252fetc/passwd",
		Host:   "example.com",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad request", string(resp.Body))
	assert.Equal(t, int32(0), mnt.calls.Load())
	assert.Equal(t, int32(0), res.calls.Load())
}

func TestDispatch_LargeHTMLStreamedWithoutPolyfill(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	page := "<html><head></head><body>" + strings.Repeat("y", 4096) + "</body></html>"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "example.com"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "example.com", "big.html"), []byte(page), 0o600))

	g := newGateway(t, settings.Snapshot{
		DocumentRoot:    root,
		MaxBufferBytes:  1024,
		PolyfillScripts: []string{"/polyfill.js"},
	}, nil)

	resp := g.dispatcher.Dispatch(context.Background(), Request{Method: http.MethodGet, Target: "/big.html", Host: "example.com"})

	require.NotNil(t, resp.Stream)
	assert.Equal(t, int64(len(page)), resp.ContentLength)
	assert.Equal(t, "local", resp.Header.Get(HeaderSource))
	assert.Equal(t, page, string(body(t, resp)))
}

func TestDispatch_TimeoutsThenThirdOrigin(t *testing.T) {
	t.Parallel()

	hang := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	slowA := httptest.NewServer(hang)
	t.Cleanup(slowA.Close)
	slowB := httptest.NewServer(hang)
	t.Cleanup(slowB.Close)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("third"))
	}))
	t.Cleanup(good.Close)

	const (
		timeout = 50 * time.Millisecond
		backoff = 20 * time.Millisecond
		retries = 2
	)
	g := newGateway(t, settings.Snapshot{
		InfinityOrigin:    slowA.URL,
		ExternalFilePaths: []string{slowB.URL, good.URL},
		ExternalTimeout:   timeout,
		ExternalRetries:   retries,
		ExternalBackoff:   backoff,
	}, nil)

	start := time.Now()
	resp := g.dispatcher.Dispatch(context.Background(), Request{Method: http.MethodGet, Target: "/a.swf", Host: "example.com"})
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "origin:external-1", resp.Header.Get(HeaderSource))
	assert.Equal(t, "third", string(resp.Body))
	// Two failing origins, each: two timed-out attempts and one backoff.
	assert.GreaterOrEqual(t, elapsed, 2*(retries*timeout+backoff))
}

func TestDispatch_CORSOnErrorsAndPreflight(t *testing.T) {
	t.Parallel()

	res := &stubResolver{}
	d, _ := newStubDispatcher(settings.Snapshot{
		CORS: settings.CORS{Enabled: true, AllowedOrigins: []string{"https://play.example.org"}, MaxAge: 600},
	}, res)
	header := http.Header{"Origin": {"https://play.example.org"}}

	preflight := d.Dispatch(context.Background(), Request{Method: http.MethodOptions, Target: "/a.swf", Host: "example.com", Header: header})
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
	assert.Equal(t, "https://play.example.org", preflight.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", preflight.Header.Get("Access-Control-Max-Age"))
	assert.Equal(t, int32(0), res.calls.Load())

	rejected := d.Dispatch(context.Background(), Request{Method: http.MethodGet, Target: "/a.swf", Host: "bad_host", Header: header})
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Equal(t, "https://play.example.org", rejected.Header.Get("Access-Control-Allow-Origin"))

	foreign := d.Dispatch(context.Background(), Request{
		Method: http.MethodOptions,
		Target: "/a.swf",
		Host:   "example.com",
		Header: http.Header{"Origin": {"https://evil.example"}},
	})
	assert.Empty(t, foreign.Header.Get("Access-Control-Allow-Origin"))
}

func TestDispatch_CGIHeaderAllowlist(t *testing.T) {
	t.Parallel()

	res := &stubResolver{artifact: &resolver.Artifact{
		StatusCode:  http.StatusFound,
		ContentType: "text/html; charset=utf-8",
		Header: http.Header{
			"Location":     {"/next.php"},
			"Set-Cookie":   {"ok=1", "bad=1\r\nX-Injected: yes"},
			"X-Powered-By": {"PHP/5.2"},
			"Server":       {"internal"},
		},
		Body:       []byte("moved"),
		Stage:      resolver.StageCGI,
		Provenance: resolver.StageCGI,
	}}
	d, _ := newStubDispatcher(settings.Snapshot{}, res)

	resp := d.Dispatch(context.Background(), Request{Method: http.MethodPost, Target: "/go.php", Host: "example.com"})

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/next.php", resp.Header.Get("Location"))
	assert.Equal(t, []string{"ok=1"}, resp.Header.Values("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("X-Powered-By"))
	assert.Empty(t, resp.Header.Get("Server"))
	assert.Empty(t, resp.Header.Get("X-Injected"))
	assert.Equal(t, "cgi", resp.Header.Get(HeaderSource))
}

func TestDispatch_HeadOmitsBody(t *testing.T) {
	t.Parallel()

	res := &stubResolver{artifact: &resolver.Artifact{
		StatusCode:  http.StatusOK,
		ContentType: "application/x-shockwave-flash",
		Stream:      io.NopCloser(strings.NewReader("FWS")),
		Size:        3,
		Encoding:    "br",
		Stage:       resolver.StageLocal,
		Provenance:  resolver.StageLocal,
	}}
	d, _ := newStubDispatcher(settings.Snapshot{}, res)

	resp := d.Dispatch(context.Background(), Request{Method: http.MethodHead, Target: "/a.swf", Host: "example.com"})

	assert.Nil(t, resp.Stream)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "3", resp.Header.Get("Content-Length"))
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
}

func TestDispatch_InternalErrorsStayGeneric(t *testing.T) {
	t.Parallel()

	res := &stubResolver{err: os.ErrPermission}
	d, _ := newStubDispatcher(settings.Snapshot{}, res)

	resp := d.Dispatch(context.Background(), Request{Method: http.MethodGet, Target: "/a.swf", Host: "example.com"})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", string(resp.Body))
}
