// Package httpclient builds the pooled HTTP clients used to reach remote
// origins and download mirrors.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout               = 30 * time.Second
	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultDialTimeout           = 10 * time.Second
)

// ErrTooManyRedirects is returned once a request exceeds its redirect budget.
var ErrTooManyRedirects = errors.New("too many redirects")

// ClientConfig configures NewClient. Zero values select defaults.
type ClientConfig struct {
	// Timeout bounds the whole exchange including the body. Zero keeps the
	// default; a negative value disables it for long downloads that are
	// bounded by their context instead.
	Timeout               time.Duration
	MaxIdleConnsPerHost   int
	ResponseHeaderTimeout time.Duration
	// MaxRedirects caps followed redirects. Zero disables following.
	MaxRedirects int
	// CheckRedirectURL vets every redirect target before it is followed.
	CheckRedirectURL func(*url.URL) error
	// DialContext replaces the default dialer, e.g. with Guard.DialContext.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// TLSConfig overrides the transport's TLS settings, e.g. extra roots.
	TLSConfig *tls.Config
}

// NewClient returns a client with its own pooled transport.
func NewClient(cfg ClientConfig) *http.Client {
	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = defaultTimeout
	case timeout < 0:
		timeout = 0
	}
	perHost := cfg.MaxIdleConnsPerHost
	if perHost == 0 {
		perHost = defaultMaxIdleConnsPerHost
	}
	headerTimeout := cfg.ResponseHeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = defaultResponseHeaderTimeout
	}
	dial := cfg.DialContext
	if dial == nil {
		dial = (&net.Dialer{Timeout: defaultDialTimeout}).DialContext
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: headerTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		TLSClientConfig:       cfg.TLSConfig,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: RedirectPolicy(cfg.MaxRedirects, cfg.CheckRedirectURL),
	}
}

// RedirectPolicy follows at most maxHops redirects, vetting each target
// with check when it is non-nil.
func RedirectPolicy(maxHops int, check func(*url.URL) error) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > maxHops {
			return ErrTooManyRedirects
		}
		if check != nil {
			return check(req.URL)
		}
		return nil
	}
}
