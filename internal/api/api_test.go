package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloads"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/mounts"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

type mockOrchestrator struct{ mock.Mock }

func (m *mockOrchestrator) RequestMount(ctx context.Context, id, archivePath string, hint *downloads.Hint) downloads.Outcome {
	args := m.Called(ctx, id, archivePath, hint)
	return args.Get(0).(downloads.Outcome)
}

func (m *mockOrchestrator) Active() []downloads.Progress {
	args := m.Called()
	return args.Get(0).([]downloads.Progress)
}

func (m *mockOrchestrator) Progress(ctx context.Context, id string) (downloads.Progress, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(downloads.Progress), args.Bool(1), args.Error(2)
}

func (m *mockOrchestrator) List(ctx context.Context) ([]downloads.Progress, error) {
	args := m.Called(ctx)
	return args.Get(0).([]downloads.Progress), args.Error(1)
}

func (m *mockOrchestrator) Subscribe(id string) (<-chan downloads.Progress, func(), bool) {
	args := m.Called(id)
	ch, _ := args.Get(0).(<-chan downloads.Progress)
	unsubscribe, _ := args.Get(1).(func())
	return ch, unsubscribe, args.Bool(2)
}

type mockRegistry struct{ mock.Mock }

func (m *mockRegistry) Unmount(id string) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistry) Get(id string) (mounts.Info, bool) {
	args := m.Called(id)
	return args.Get(0).(mounts.Info), args.Bool(1)
}

func (m *mockRegistry) List() []mounts.Info {
	args := m.Called()
	return args.Get(0).([]mounts.Info)
}

type dispatchFunc func(ctx context.Context, req dispatcher.Request) *dispatcher.Response

func (f dispatchFunc) Dispatch(ctx context.Context, req dispatcher.Request) *dispatcher.Response {
	return f(ctx, req)
}

type harness struct {
	orch     *mockOrchestrator
	registry *mockRegistry
	router   *gin.Engine
	mu       sync.Mutex
	requests []dispatcher.Request
}

func (h *harness) dispatched() []dispatcher.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dispatcher.Request(nil), h.requests...)
}

func newHarness(t *testing.T, snap settings.Snapshot, respond dispatchFunc, checks map[string]HealthChecker) *harness {
	t.Helper()
	h := &harness{orch: &mockOrchestrator{}, registry: &mockRegistry{}}
	if respond == nil {
		respond = func(context.Context, dispatcher.Request) *dispatcher.Response {
			return &dispatcher.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("asset")}
		}
	}
	recording := dispatchFunc(func(ctx context.Context, req dispatcher.Request) *dispatcher.Response {
		h.mu.Lock()
		h.requests = append(h.requests, req)
		h.mu.Unlock()
		return respond(ctx, req)
	})

	reg := prometheus.NewRegistry()
	metrics.New(reg)
	handler := NewHandler(Deps{
		Dispatcher: recording,
		Mounts:     h.registry,
		Downloads:  h.orch,
		Settings:   settings.Static(snap),
		Gatherer:   reg,
		Logger:     logger.NewNop(),
	})
	handler.heartbeat = 10 * time.Millisecond

	b := NewServerBuilder("asset-gateway", 0).WithLogger(logger.NewNop()).WithVersion("test").WithHandler(handler)
	for name, check := range checks {
		b.WithHealthCheck(name, check)
	}
	h.router = b.Build().Router()
	t.Cleanup(func() {
		h.orch.AssertExpectations(t)
		h.registry.AssertExpectations(t)
	})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestRequestIDLoggerMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)

	generated := h.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), generated.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set(HeaderRequestID, "trace-from-upstream-abc123")
	assert.Equal(t, "trace-from-upstream-abc123", h.do(req).Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set(HeaderRequestID, "bad id with spaces")
	assert.NotEqual(t, "bad id with spaces", h.do(req).Header().Get(HeaderRequestID))
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	router := NewServer(NewConfig("asset-gateway", 0), logger.NewNop(), func(r *gin.Engine) {
		r.GET("/boom", func(*gin.Context) { panic("boom") })
	}).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error","code":"INTERNAL_ERROR"}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := func(context.Context) CheckResult { return CheckResult{Status: HealthStatusHealthy} }
	down := func(context.Context) CheckResult { return CheckResult{Status: HealthStatusUnhealthy} }

	tests := []struct {
		name   string
		checks map[string]HealthChecker
		status int
		want   HealthStatus
	}{
		{"no checks", nil, http.StatusOK, HealthStatusHealthy},
		{"all healthy", map[string]HealthChecker{"docroot": healthy}, http.StatusOK, HealthStatusHealthy},
		{"degraded redis", map[string]HealthChecker{
			"redis": RedisHealthChecker(func(context.Context) error { return errors.New("refused") }),
		}, http.StatusOK, HealthStatusDegraded},
		{"unhealthy", map[string]HealthChecker{"docroot": down, "redis": healthy}, http.StatusServiceUnavailable, HealthStatusUnhealthy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, settings.Snapshot{}, nil, tc.checks)

			w := h.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			require.Equal(t, tc.status, w.Code)

			var body HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.want, body.Status)
			assert.Equal(t, "asset-gateway", body.Service)
			assert.Len(t, body.Checks, len(tc.checks))
			assert.Empty(t, h.dispatched())
		})
	}
}

func TestDirectoryHealthChecker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	assert.Equal(t, HealthStatusHealthy, DirectoryHealthChecker(func() string { return dir })(context.Background()).Status)
	missing := dir + "/missing"
	assert.Equal(t, HealthStatusUnhealthy, DirectoryHealthChecker(func() string { return missing })(context.Background()).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	w := h.do(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "asset_gateway_negative_cache_hits_total")
}

func TestCreateMount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	h.orch.On("RequestMount", mock.Anything, "abc123", "", mock.MatchedBy(func(hint *downloads.Hint) bool {
		return hint != nil && hint.Date == "2021-03-04T05:06:07.890Z" && len(hint.Hosts) == 1
	})).Return(downloads.Outcome{Accepted: true, Downloading: true, StatusCode: http.StatusAccepted}).Once()

	body := `{"id":"abc123","hint":{"date":"2021-03-04T05:06:07.890Z","hosts":["example.com"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mounts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"accepted":true,"downloading":true,"status_code":202}`, w.Body.String())
}

func TestCreateMount_InvalidBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	for _, body := range []string{`{`, `{"path":"/a.zip"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/mounts", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, h.do(req).Code, body)
	}
}

func TestDeleteMount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	h.registry.On("Unmount", "abc123").Return(true, nil).Once()
	h.registry.On("Unmount", "missing").Return(false, nil).Once()
	h.registry.On("Unmount", "broken").Return(false, errors.New("close /srv/a.zip: busy")).Once()

	assert.Equal(t, http.StatusNoContent, h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/mounts/abc123", http.NoBody)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/mounts/missing", http.NoBody)).Code)

	w := h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/mounts/broken", http.NoBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "/srv")
}

func TestDeleteMount_InProgressConflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	h.registry.On("Unmount", "abc123").
		Return(false, apperrors.New(apperrors.AlreadyMounting, "mounts.Unmount", "mount in progress")).Once()

	w := h.do(httptest.NewRequest(http.MethodDelete, "/api/v1/mounts/abc123", http.NoBody))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"mount in progress"}`, w.Body.String())
}

func TestListAndGetMounts(t *testing.T) {
	t.Parallel()

	info := mounts.Info{ID: "abc123", ArchivePath: "/srv/a.zip", EntryCount: 2}
	h := newHarness(t, settings.Snapshot{}, nil, nil)
	h.registry.On("List").Return([]mounts.Info{info}).Once()
	h.registry.On("Get", "abc123").Return(info, true).Once()
	h.registry.On("Get", "nope").Return(mounts.Info{}, false).Once()

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/mounts", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Mounts []mounts.Info `json:"mounts"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "abc123", list.Mounts[0].ID)

	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/api/v1/mounts/abc123", http.NoBody)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/api/v1/mounts/nope", http.NoBody)).Code)
}

func TestDownloads(t *testing.T) {
	t.Parallel()

	total := int64(200)
	p := downloads.Progress{ID: "abc123", BytesDone: 50, BytesTotal: &total, State: downloads.StateDownloading}
	h := newHarness(t, settings.Snapshot{}, nil, nil)
	h.orch.On("List", mock.Anything).Return([]downloads.Progress{p}, nil).Once()
	h.orch.On("Active").Return([]downloads.Progress{p}).Once()
	h.orch.On("Progress", mock.Anything, "abc123").Return(p, true, nil).Once()
	h.orch.On("Progress", mock.Anything, "gone").Return(downloads.Progress{}, false, nil).Once()

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/downloads", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":1`)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/downloads/abc123", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"percent":25`)

	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/api/v1/downloads/gone", http.NoBody)).Code)
}

func TestDownloadEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)
	running := downloads.Progress{ID: "abc123", BytesDone: 10, State: downloads.StateDownloading}
	final := downloads.Progress{ID: "abc123", BytesDone: 20, State: downloads.StateInstalled}

	updates := make(chan downloads.Progress, 1)
	updates <- running
	close(updates)
	var recv <-chan downloads.Progress = updates
	h.orch.On("Subscribe", "abc123").Return(recv, func() {}, true).Once()
	h.orch.On("Progress", mock.Anything, "abc123").Return(final, true, nil).Once()
	h.orch.On("Subscribe", "missing").Return(nil, nil, false).Once()
	h.orch.On("Progress", mock.Anything, "missing").Return(downloads.Progress{}, false, nil).Once()

	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/downloads/abc123/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			events = append(events, strings.TrimSpace(name))
		}
	}
	assert.Equal(t, []string{EventProgress, EventDone}, events)

	missing, err := http.Get(srv.URL + "/api/v1/downloads/missing/events")
	require.NoError(t, err)
	_ = missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServeAsset_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, func(context.Context, dispatcher.Request) *dispatcher.Response {
		header := http.Header{}
		header.Set("Content-Type", "application/x-shockwave-flash")
		header.Set(dispatcher.HeaderSource, "local")
		header.Set("Content-Length", "3")
		return &dispatcher.Response{
			StatusCode:    http.StatusOK,
			Header:        header,
			Stream:        io.NopCloser(strings.NewReader("FWS")),
			ContentLength: 3,
		}
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/game/a.swf?level=2", http.NoBody)
	req.Host = "example.com"
	w := h.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FWS", w.Body.String())
	assert.Equal(t, "local", w.Header().Get(dispatcher.HeaderSource))

	got := h.dispatched()
	require.Len(t, got, 1)
	assert.Equal(t, "/game/a.swf?level=2", got[0].Target)
	assert.Equal(t, "example.com", got[0].Host)
}

func TestServeAsset_AbsoluteFormBypassesRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{}, nil, nil)

	w := h.do(httptest.NewRequest(http.MethodGet, "http://example.com/health", http.NoBody))

	assert.Equal(t, "asset", w.Body.String())
	got := h.dispatched()
	require.Len(t, got, 1)
	assert.Equal(t, "http://example.com/health", got[0].Target)
}

func TestServeAsset_BodyLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, settings.Snapshot{MaxBufferBytes: 8}, nil, nil)

	w := h.do(httptest.NewRequest(http.MethodPost, "/form.php", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, h.dispatched())

	w = h.do(httptest.NewRequest(http.MethodPost, "/form.php", strings.NewReader("a=1")))
	assert.Equal(t, http.StatusOK, w.Code)
	got := h.dispatched()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("a=1"), got[0].Body)
}

type blockingStream struct {
	once   sync.Once
	closed chan struct{}
}

func (s *blockingStream) Read([]byte) (int, error) {
	<-s.closed
	return 0, os.ErrClosed
}

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestCopyStream_ForceClosesAfterGrace(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := &blockingStream{closed: make(chan struct{})}

	const grace = 30 * time.Millisecond
	start := time.Now()
	_, err := copyStream(ctx, io.Discard, stream, grace)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, os.ErrClosed)
	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, 5*time.Second)
}

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestCopyStream_ClosesOnCompletion(t *testing.T) {
	t.Parallel()

	stream := &closeCounter{Reader: strings.NewReader("payload")}
	var sb strings.Builder

	n, err := copyStream(context.Background(), &sb, stream, time.Second)

	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", sb.String())
	assert.Equal(t, 1, stream.closes)
}
