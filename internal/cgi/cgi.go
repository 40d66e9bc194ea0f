// Package cgi runs server-side scripts through an external CGI/1.1
// interpreter such as php-cgi and captures the result.
package cgi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 32 << 20
	waitDelay        = 2 * time.Second
)

// ErrUnavailable is returned when the interpreter binary cannot be found.
var ErrUnavailable = errors.New("cgi interpreter unavailable")

// Request is the HTTP request a script sees.
type Request struct {
	Method       string
	URL          *url.URL
	Header       http.Header
	Body         []byte
	RemoteAddr   string
	DocumentRoot string
}

// Response is the parsed output of a script.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor runs a script for a request.
type Executor interface {
	Execute(ctx context.Context, scriptPath string, req Request) (*Response, error)
}

// Config configures a ProcessExecutor.
type Config struct {
	Binary         string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// ProcessExecutor starts one interpreter process per request.
type ProcessExecutor struct {
	cfg Config

	lookOnce sync.Once
	binary   string
	lookErr  error
}

// NewProcessExecutor returns an executor for cfg.Binary. The binary is looked
// up on first use.
func NewProcessExecutor(cfg Config) *ProcessExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	return &ProcessExecutor{cfg: cfg}
}

// Available resolves the interpreter once and reports the outcome.
func (e *ProcessExecutor) Available() error {
	e.lookOnce.Do(func() {
		if e.cfg.Binary == "" {
			e.lookErr = fmt.Errorf("%w: no binary configured", ErrUnavailable)
			return
		}
		e.binary, e.lookErr = exec.LookPath(e.cfg.Binary)
		if e.lookErr != nil {
			e.lookErr = fmt.Errorf("%w: %w", ErrUnavailable, e.lookErr)
		}
	})
	return e.lookErr
}

// Execute runs scriptPath for req within the configured timeout.
func (e *ProcessExecutor) Execute(ctx context.Context, scriptPath string, req Request) (*Response, error) {
	const op = "cgi.Execute"

	if err := e.Available(); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary, scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = buildEnv(scriptPath, req)
	cmd.Stdin = bytes.NewReader(req.Body)
	cmd.WaitDelay = waitDelay

	stdout := &limitedBuffer{limit: e.cfg.MaxOutputBytes}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, op,
			fmt.Errorf("run script: %w (stderr: %s)", err, strings.TrimSpace(stderr.String())))
	}
	if stdout.overflow {
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, apperrors.ErrTooLarge)
	}

	resp, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, op, err)
	}
	return resp, nil
}

func buildEnv(scriptPath string, req Request) []string {
	host := req.URL.Host
	port := "80"
	if h, p, err := splitHostPort(host); err == nil {
		host, port = h, p
	}

	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=asset-gateway",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_NAME=" + host,
		"SERVER_PORT=" + port,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.URL.RequestURI(),
		"QUERY_STRING=" + req.URL.RawQuery,
		"SCRIPT_NAME=" + req.URL.Path,
		"SCRIPT_FILENAME=" + scriptPath,
		"DOCUMENT_ROOT=" + req.DocumentRoot,
		"REMOTE_ADDR=" + req.RemoteAddr,
		"HTTP_HOST=" + req.URL.Host,
		"REDIRECT_STATUS=200",
		"PATH=" + os.Getenv("PATH"),
	}
	if len(req.Body) > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body)))
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	for name, values := range req.Header {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		// HTTP_PROXY from a client header would be read as a proxy setting.
		if key == "PROXY" || key == "HOST" || key == "CONTENT_TYPE" || key == "CONTENT_LENGTH" {
			continue
		}
		env = append(env, "HTTP_"+key+"="+strings.Join(values, ", "))
	}
	return env
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 || strings.Contains(hostport[i:], "]") {
		return "", "", errors.New("no port")
	}
	return hostport[:i], hostport[i+1:], nil
}

func parseOutput(out []byte) (*Response, error) {
	br := bufio.NewReader(bytes.NewReader(out))
	mime, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse script headers: %w", err)
	}
	header := http.Header(mime)

	status := http.StatusOK
	if raw := header.Get("Status"); raw != "" {
		code, _, _ := strings.Cut(raw, " ")
		status, err = strconv.Atoi(code)
		if err != nil || status < 100 || status > 999 {
			return nil, fmt.Errorf("invalid script status %q", raw)
		}
		header.Del("Status")
	} else if header.Get("Location") != "" {
		status = http.StatusFound
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read script body: %w", err)
	}
	return &Response{StatusCode: status, Header: header, Body: body}, nil
}

// limitedBuffer keeps the first limit bytes and discards the rest, so the
// child process never blocks on a full pipe.
type limitedBuffer struct {
	bytes.Buffer
	limit    int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.Len())
	if int64(len(p)) > remaining {
		b.overflow = true
		if remaining > 0 {
			b.Buffer.Write(p[:remaining])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
