// Package downloader fetches game archives from mirrors onto local disk,
// refusing to talk to private or reserved addresses.
package downloader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/httpclient"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/pathsec"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/retry"
)

const (
	tempSuffix       = ".temp"
	copyBufferSize   = 64 << 10
	progressInterval = 250 * time.Millisecond

	defaultMaxBytes       = 4 << 30
	defaultAttemptRetries = 3
	defaultRetryDelay     = 2 * time.Second
	defaultAttemptTimeout = 30 * time.Minute
	defaultMaxRedirects   = 5
)

// Source is a mirror serving archives by file name beneath URL.
type Source struct {
	Name string
	URL  string
}

// Config configures a Downloader.
type Config struct {
	Root           string
	Sources        []Source
	MaxBytes       int64
	AttemptRetries int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	MaxRedirects   int
	// AllowedNetworks are exempt from the private-address block.
	AllowedNetworks []netip.Prefix
	// Resolver defaults to net.DefaultResolver.
	Resolver  httpclient.Resolver
	TLSConfig *tls.Config
}

func (c *Config) setDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.AttemptRetries <= 0 {
		c.AttemptRetries = defaultAttemptRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = defaultMaxRedirects
	}
}

// Downloader installs archives under Root.
type Downloader struct {
	cfg     Config
	guard   *httpclient.Guard
	client  *http.Client
	log     logger.Logger
	metrics *metrics.Metrics
}

// New returns a Downloader. Every dial goes through the address guard and
// every redirect target is vetted before it is followed.
func New(cfg Config, log logger.Logger, m *metrics.Metrics) *Downloader {
	cfg.setDefaults()
	guard := httpclient.NewGuard(cfg.AllowedNetworks, cfg.Resolver)
	client := httpclient.NewClient(httpclient.ClientConfig{
		Timeout:          -1,
		MaxRedirects:     cfg.MaxRedirects,
		CheckRedirectURL: guard.CheckURL,
		DialContext:      guard.DialContext,
		TLSConfig:        cfg.TLSConfig,
	})
	return &Downloader{cfg: cfg, guard: guard, client: client, log: log, metrics: m}
}

// Root is the directory archives are installed into.
func (d *Downloader) Root() string {
	return d.cfg.Root
}

// ResolvePath returns where a is (or will be) installed.
func (d *Downloader) ResolvePath(a Artifact) (string, error) {
	name, err := a.FileName()
	if err != nil {
		return "", err
	}
	return pathsec.ValidateWithinBase(d.cfg.Root, name)
}

// Exists reports whether a is already installed.
func (d *Downloader) Exists(a Artifact) bool {
	p, err := d.ResolvePath(a)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Download installs a and waits for the result.
func (d *Downloader) Download(ctx context.Context, a Artifact) (*Result, error) {
	return d.Start(ctx, a).Result()
}

// Start installs a in the background. Cancelling ctx aborts the transfer.
func (d *Downloader) Start(ctx context.Context, a Artifact) *Job {
	job := newJob()
	go func() {
		res, err := d.run(ctx, a, job)
		outcome := "installed"
		if err != nil {
			outcome = "failed"
		}
		d.metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
		job.finish(res, err)
	}()
	return job
}

func (d *Downloader) run(ctx context.Context, a Artifact, job *Job) (*Result, error) {
	const op = "downloader.run"
	log := logger.FromContext(ctx, d.log).With(logger.String("artifact_id", a.ID))

	final, err := d.ResolvePath(a)
	if err != nil {
		return nil, err
	}
	sum, err := parseChecksum(a.Checksum)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(final); statErr == nil && info.Mode().IsRegular() {
		return &Result{Path: final, Source: "local", Bytes: info.Size()}, nil
	}
	if len(d.cfg.Sources) == 0 {
		return nil, apperrors.New(apperrors.NotFoundAnywhere, op, "no download sources configured")
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, op, err)
	}

	errs := make([]error, 0, len(d.cfg.Sources))
	for _, src := range d.cfg.Sources {
		var res *Result
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: d.cfg.AttemptRetries,
			Backoff:     retry.Linear(d.cfg.RetryDelay),
			OnRetry: func(attempt int, delay time.Duration, err error) {
				log.Warn("Retrying archive download",
					logger.String("source", src.Name),
					logger.Int("attempt", attempt),
					logger.Duration("delay", delay),
					logger.RedactedError(err),
				)
			},
		}, func(ctx context.Context) error {
			r, attemptErr := d.fetch(ctx, src, a, final, sum, job)
			res = r
			return attemptErr
		})
		if err == nil {
			log.Info("Archive installed",
				logger.String("source", src.Name),
				logger.Int64("bytes", res.Bytes),
			)
			return res, nil
		}

		log.Warn("Download source failed", logger.String("source", src.Name), logger.RedactedError(err))
		errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// sourceURL joins name onto the mirror URL, upgrading plain http.
func sourceURL(raw, name string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamTerminal, "downloader.sourceURL", err)
	}
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	return u.JoinPath(name), nil
}

// fetch makes one attempt against src.
func (d *Downloader) fetch(
	ctx context.Context,
	src Source,
	a Artifact,
	final string,
	sum *checksum,
	job *Job,
) (*Result, error) {
	const op = "downloader.fetch"

	u, err := sourceURL(src.URL, filepath.Base(final))
	if err != nil {
		return nil, err
	}
	if err := d.guard.CheckURL(u); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if statusErr := apperrors.CheckResponse(op, resp); statusErr != nil {
		return nil, statusErr
	}
	if resp.ContentLength > d.cfg.MaxBytes {
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
	}

	var total *int64
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		total = &n
	}

	temp, written, err := d.writeTemp(final, resp.Body, sum, func(done int64) {
		job.publish(Progress{BytesDone: done, BytesTotal: total, Source: src.Name})
	})
	if err != nil {
		if temp != "" {
			_ = os.Remove(temp)
		}
		return nil, err
	}
	job.publish(Progress{BytesDone: written, BytesTotal: total, Source: src.Name})

	if err := os.Rename(temp, final); err != nil {
		_ = os.Remove(temp)
		return nil, apperrors.Wrap(apperrors.Internal, op, err)
	}
	return &Result{Path: final, Source: src.Name, Bytes: written}, nil
}

// writeTemp streams body into a temp file unique to this attempt, next to
// final, enforcing the size cap and checksum. It returns the temp path, which
// the caller removes on error or renames into place.
func (d *Downloader) writeTemp(final string, body io.Reader, sum *checksum, report func(int64)) (string, int64, error) {
	const op = "downloader.writeTemp"

	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.Internal, op, err)
	}
	defer func() { _ = f.Close() }()
	path := f.Name()
	if err := f.Chmod(0o644); err != nil {
		return path, 0, apperrors.Wrap(apperrors.Internal, op, err)
	}

	var (
		w io.Writer = f
		h hash.Hash
	)
	if sum != nil {
		h = sum.newHash()
		w = io.MultiWriter(f, h)
	}

	throttle := rate.Sometimes{Interval: progressInterval}
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > d.cfg.MaxBytes {
				return path, written, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return path, written, apperrors.Wrap(apperrors.Internal, op, err)
			}
			d.metrics.DownloadBytes.Add(float64(n))
			throttle.Do(func() { report(written) })
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return path, written, classify(op, readErr)
		}
	}

	if h != nil && !sum.matches(h) {
		return path, written, apperrors.New(apperrors.IntegrityFailure, op, "checksum mismatch")
	}
	if err := f.Sync(); err != nil {
		return path, written, apperrors.Wrap(apperrors.Internal, op, err)
	}
	return path, written, nil
}

// classify keeps an existing classification and otherwise sorts err into
// transient or terminal.
func classify(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if retry.IsTransient(err) {
		return apperrors.Wrap(apperrors.UpstreamTransient, op, err)
	}
	return apperrors.Wrap(apperrors.UpstreamTerminal, op, err)
}
