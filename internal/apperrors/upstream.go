package apperrors

import (
	"fmt"
	"net/http"
)

const minErrorStatusCode = 400

// UpstreamStatusError is a non-success response from a remote origin.
type UpstreamStatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s responded %d %s", e.URL, e.StatusCode, e.Status)
}

// Retryable reports whether the status is worth another attempt: 5xx and 429.
func (e *UpstreamStatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// CheckResponse returns a classified error for an error-status response, or nil.
// 5xx responses are UpstreamTransient; other 4xx are UpstreamTerminal, except
// 404 which becomes NotFoundLocal so callers can move to the next source.
func CheckResponse(op string, resp *http.Response) error {
	if resp.StatusCode < minErrorStatusCode {
		return nil
	}
	statusErr := &UpstreamStatusError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		URL:        resp.Request.URL.Redacted(),
	}
	switch {
	case statusErr.Retryable():
		return Wrap(UpstreamTransient, op, statusErr)
	case resp.StatusCode == http.StatusNotFound:
		return Wrap(NotFoundLocal, op, statusErr)
	default:
		return Wrap(UpstreamTerminal, op, statusErr)
	}
}
