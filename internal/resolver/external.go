package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/httpclient"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/retry"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

const (
	userAgent = "asset-gateway/1.0"

	defaultBreakerThreshold = 5
	defaultBreakerOpenFor   = 30 * time.Second
)

// Origin fetch outcomes, used as metric labels.
const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeError       = "error"
	outcomeTooLarge    = "too_large"
	outcomeBreakerOpen = "breaker_open"
)

// FetcherConfig configures NewFetcher. Zero values select defaults.
type FetcherConfig struct {
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	// DialContext replaces the default dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Fetcher pulls files from the configured remote origins in order.
type Fetcher struct {
	settings settings.Provider
	clients  map[string]*http.Client
	breakers *circuitbreaker.Group
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewFetcher builds one pooled client per scheme. Redirect and timeout
// limits are read from the settings snapshot on every request.
func NewFetcher(provider settings.Provider, cfg FetcherConfig, log logger.Logger, m *metrics.Metrics) *Fetcher {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = defaultBreakerOpenFor
	}

	f := &Fetcher{
		settings: provider,
		clients:  make(map[string]*http.Client, 2),
		log:      log,
		metrics:  m,
	}
	for _, scheme := range []string{"http", "https"} {
		client := httpclient.NewClient(httpclient.ClientConfig{
			Timeout:     -1,
			DialContext: cfg.DialContext,
		})
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return httpclient.RedirectPolicy(f.settings.Current().MaxRedirects, nil)(req, via)
		}
		f.clients[scheme] = client
	}

	f.breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		OpenFor:          cfg.BreakerOpenFor,
		IsFailure:        retry.IsTransient,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			m.OriginBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("Origin circuit breaker changed state",
				logger.String("origin", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	return f
}

// BreakerStates reports the breaker state of every origin contacted so far.
func (f *Fetcher) BreakerStates() map[string]circuitbreaker.State {
	return f.breakers.States()
}

type origin struct {
	name string
	raw  string
}

// origins lists the remote origins for s in the order they are tried.
func origins(s *settings.Snapshot) []origin {
	var out []origin
	if s.InfinityOrigin != "" {
		out = append(out, origin{name: "infinity", raw: s.InfinityOrigin})
	}
	for i, raw := range s.ExternalFilePaths {
		out = append(out, origin{name: "external-" + strconv.Itoa(i), raw: raw})
	}
	if s.CompatMode {
		for i, raw := range s.LocalNetworkFallbacks {
			out = append(out, origin{name: "lan-" + strconv.Itoa(i), raw: raw})
		}
	}
	return out
}

// Fetch tries every origin for t and returns the first success.
func (f *Fetcher) Fetch(ctx context.Context, snap *settings.Snapshot, t Target) (*Artifact, error) {
	list := origins(snap)
	if len(list) == 0 {
		return nil, apperrors.New(apperrors.NotFoundAnywhere, "resolver.Fetch", "no remote origins configured")
	}

	errs := make([]error, 0, len(list))
	for _, o := range list {
		artifact, err := f.fetchFrom(ctx, snap, o, t)
		if err == nil {
			return artifact, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
	}
	return nil, errors.Join(errs...)
}

func (f *Fetcher) fetchFrom(ctx context.Context, snap *settings.Snapshot, o origin, t Target) (*Artifact, error) {
	const op = "resolver.fetchFrom"
	log := logger.FromContext(ctx, f.log).With(logger.String("origin", o.name))

	target, err := JoinOrigin(o.raw, t)
	if err != nil {
		log.Warn("Rejected origin URL", logger.RedactedError(err))
		return nil, err
	}
	client, ok := f.clients[target.Scheme]
	if !ok {
		return nil, apperrors.New(apperrors.InvalidInput, op, "unsupported origin scheme")
	}

	breaker := f.breakers.Get(o.name)
	if err := breaker.Allow(); err != nil {
		f.metrics.OriginFetchTotal.WithLabelValues(o.name, outcomeBreakerOpen).Inc()
		return nil, apperrors.Wrap(apperrors.UpstreamTransient, op, err)
	}

	var artifact *Artifact
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: snap.ExternalRetries,
		Backoff:     retry.Exponential(snap.ExternalBackoff),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Debug("Retrying origin fetch",
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.RedactedError(err),
			)
		},
	}, func(ctx context.Context) error {
		a, fetchErr := f.get(ctx, client, snap, target)
		if fetchErr != nil {
			return fetchErr
		}
		artifact = a
		return nil
	})
	breaker.Record(err)

	switch {
	case err == nil:
		f.metrics.OriginFetchTotal.WithLabelValues(o.name, outcomeHit).Inc()
	case apperrors.Is(err, apperrors.NotFoundLocal):
		f.metrics.OriginFetchTotal.WithLabelValues(o.name, outcomeMiss).Inc()
		return nil, err
	case apperrors.Is(err, apperrors.ResourceExhausted):
		f.metrics.OriginFetchTotal.WithLabelValues(o.name, outcomeTooLarge).Inc()
		log.Warn("Origin response exceeds size ceiling", logger.Int64("ceiling", snap.MaxExternalBytes))
		return nil, err
	default:
		f.metrics.OriginFetchTotal.WithLabelValues(o.name, outcomeError).Inc()
		log.Debug("Origin fetch failed", logger.RedactedError(err))
		return nil, err
	}

	contentType := ContentTypeFor(t.Path, false)
	if declared := artifact.ContentType; declared != "" && mediaType(declared) != mediaType(contentType) {
		log.Debug("Origin content type disagrees with extension",
			logger.String("declared", declared),
			logger.String("served", contentType),
		)
	}
	artifact.ContentType = contentType
	artifact.Provenance = StageOrigin + ":" + o.name
	return artifact, nil
}

// get performs a single bounded attempt. The artifact's ContentType holds the
// origin's declared type until the caller replaces it.
func (f *Fetcher) get(ctx context.Context, client *http.Client, snap *settings.Snapshot, target *url.URL) (*Artifact, error) {
	const op = "resolver.get"

	ctx, cancel := context.WithTimeout(ctx, snap.ExternalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if statusErr := apperrors.CheckResponse(op, resp); statusErr != nil {
		return nil, statusErr
	}

	limit := snap.MaxExternalBytes
	if resp.ContentLength > limit {
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if int64(len(body)) > limit {
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
	}

	return &Artifact{
		StatusCode:  http.StatusOK,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Size:        int64(len(body)),
		Stage:       StageOrigin,
	}, nil
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, httpclient.ErrTooManyRedirects) {
		return apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
	}
	if retry.IsTransient(err) {
		return apperrors.Wrap(apperrors.UpstreamTransient, op, err)
	}
	return apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
}

// JoinOrigin appends t's host and path to origin and verifies the result is
// still beneath origin.
func JoinOrigin(origin string, t Target) (*url.URL, error) {
	const op = "resolver.JoinOrigin"

	base, err := url.Parse(origin)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidInput, op, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, apperrors.New(apperrors.InvalidInput, op, "origin must be an absolute http(s) URL")
	}
	base.RawQuery = ""
	base.Fragment = ""
	base.RawPath = ""
	prefix := base.Path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	joined := *base
	joined.Path = path.Join(prefix, t.Host, t.Path)
	if strings.HasSuffix(t.Path, "/") {
		joined.Path += "/"
	}
	if !strings.HasPrefix(joined.Path, prefix) {
		return nil, apperrors.New(apperrors.PathEscape, op, "joined URL leaves origin")
	}
	return &joined, nil
}
