package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

func newTestFetcher(t *testing.T, snap settings.Snapshot, cfg FetcherConfig) (*Fetcher, *settings.Snapshot) {
	t.Helper()
	if snap.ExternalBackoff == 0 {
		snap.ExternalBackoff = time.Millisecond
	}
	provider := settings.Static(snap)
	return NewFetcher(provider, cfg, logger.NewNop(), metrics.Discard()), provider.Current()
}

func TestJoinOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		target  Target
		want    string
		wantErr apperrors.Kind
	}{
		{
			name:   "plain",
			origin: "https://cdn.example.org/files",
			target: Target{Host: "example.com", Path: "/game.swf"},
			want:   "https://cdn.example.org/files/example.com/game.swf",
		},
		{
			name:   "trailing slash and escaping",
			origin: "https://cdn.example.org/files/",
			target: Target{Host: "example.com", Path: "/my game.swf"},
			want:   "https://cdn.example.org/files/example.com/my%20game.swf",
		},
		{
			name:    "traversal above origin",
			origin:  "https://cdn.example.org/files",
			target:  Target{Host: "example.com", Path: "/../../admin"},
			wantErr: apperrors.PathEscape,
		},
		{
			name:    "non-http origin",
			origin:  "file:///etc",
			target:  Target{Host: "example.com", Path: "/a"},
			wantErr: apperrors.InvalidInput,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := JoinOrigin(tc.origin, tc.target)
			if tc.want == "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantErr, apperrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestOrigins_Order(t *testing.T) {
	t.Parallel()

	snap := &settings.Snapshot{
		InfinityOrigin:        "https://infinity.example",
		ExternalFilePaths:     []string{"https://a.example", "https://b.example"},
		LocalNetworkFallbacks: []string{"http://192.168.1.10"},
	}

	names := func() []string {
		var out []string
		for _, o := range origins(snap) {
			out = append(out, o.name)
		}
		return out
	}
	assert.Equal(t, []string{"infinity", "external-0", "external-1"}, names())

	snap.CompatMode = true
	assert.Equal(t, []string{"infinity", "external-0", "external-1", "lan-0"}, names())
}

func TestFetch_ContentTypeFromExtension(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/example.com/game.swf" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("FWS"))
	}))
	t.Cleanup(srv.Close)

	f, snap := newTestFetcher(t, settings.Snapshot{InfinityOrigin: srv.URL + "/files"}, FetcherConfig{})

	a, err := f.Fetch(context.Background(), snap, Target{Host: "example.com", Path: "/game.swf"})
	require.NoError(t, err)
	assert.Equal(t, "application/x-shockwave-flash", a.ContentType)
	assert.Equal(t, "origin:infinity", a.Provenance)
	assert.Equal(t, []byte("FWS"), a.Body)
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f, snap := newTestFetcher(t, settings.Snapshot{InfinityOrigin: srv.URL, ExternalRetries: 3}, FetcherConfig{})

	a, err := f.Fetch(context.Background(), snap, Target{Host: "example.com", Path: "/a.swf"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), a.Body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorsAreTerminal(t *testing.T) {
	t.Parallel()

	var forbidden, fallback atomic.Int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		forbidden.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(first.Close)
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallback.Add(1)
		_, _ = w.Write([]byte("mirror"))
	}))
	t.Cleanup(second.Close)

	f, snap := newTestFetcher(t, settings.Snapshot{
		InfinityOrigin:    first.URL,
		ExternalFilePaths: []string{second.URL},
		ExternalRetries:   3,
	}, FetcherConfig{})

	a, err := f.Fetch(context.Background(), snap, Target{Host: "example.com", Path: "/a.swf"})
	require.NoError(t, err)
	assert.Equal(t, "origin:external-0", a.Provenance)
	assert.Equal(t, int32(1), forbidden.Load(), "4xx must not be retried")
	assert.Equal(t, int32(1), fallback.Load())
}

func TestFetch_SizeCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	t.Cleanup(srv.Close)

	f, snap := newTestFetcher(t, settings.Snapshot{InfinityOrigin: srv.URL, MaxExternalBytes: 100}, FetcherConfig{})

	_, err := f.Fetch(context.Background(), snap, Target{Host: "example.com", Path: "/big.bin"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ResourceExhausted, apperrors.KindOf(err))
}

func TestFetch_RedirectCap(t *testing.T) {
	t.Parallel()

	var hops atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops.Add(1)
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	f, snap := newTestFetcher(t, settings.Snapshot{InfinityOrigin: srv.URL, MaxRedirects: 2, ExternalRetries: 1}, FetcherConfig{})

	_, err := f.Fetch(context.Background(), snap, Target{Host: "example.com", Path: "/loop"})
	require.Error(t, err)
	assert.Equal(t, apperrors.UpstreamTerminal, apperrors.KindOf(err))
	assert.Equal(t, int32(3), hops.Load())
}

func TestFetch_BreakerSkipsFailingOrigin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	f, snap := newTestFetcher(t,
		settings.Snapshot{InfinityOrigin: srv.URL, ExternalRetries: 1},
		FetcherConfig{BreakerThreshold: 1, BreakerOpenFor: time.Hour},
	)
	target := Target{Host: "example.com", Path: "/a.swf"}

	_, err := f.Fetch(context.Background(), snap, target)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, f.BreakerStates()["infinity"])

	_, err = f.Fetch(context.Background(), snap, target)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolve_FallsBackToOriginWithPolyfills(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><head></head><body>remote</body></html>"))
	}))
	t.Cleanup(srv.Close)

	provider := settings.Static(settings.Snapshot{
		DocumentRoot:    t.TempDir(),
		InfinityOrigin:  srv.URL,
		ExternalBackoff: time.Millisecond,
		PolyfillScripts: []string{"/shim.js"},
	})
	m := metrics.Discard()
	fetcher := NewFetcher(provider, FetcherConfig{}, logger.NewNop(), m)
	e := NewEngine(provider, nil, fetcher, logger.NewNop(), m)

	a, err := e.Resolve(context.Background(), Target{Host: "example.com", Path: "/page.html"}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, StageOrigin, a.Stage)
	assert.Contains(t, string(a.Body), `<script src="/shim.js"></script>`)
	assert.Contains(t, string(a.Body), "remote")
}

func TestResolve_NotFoundAnywhere(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	provider := settings.Static(settings.Snapshot{DocumentRoot: t.TempDir(), InfinityOrigin: srv.URL})
	m := metrics.Discard()
	e := NewEngine(provider, nil, NewFetcher(provider, FetcherConfig{}, logger.NewNop(), m), logger.NewNop(), m)

	_, err := e.Resolve(context.Background(), Target{Host: "example.com", Path: "/gone.swf"}, RequestContext{})
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFoundAnywhere, apperrors.KindOf(err))
	assert.Equal(t, http.StatusNotFound, apperrors.StatusCode(err))
}
