package apperrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", apperrors.New(apperrors.InvalidInput, "op", "bad host"), http.StatusBadRequest},
		{"path escape", apperrors.New(apperrors.PathEscape, "op", ""), http.StatusForbidden},
		{"not found anywhere", apperrors.New(apperrors.NotFoundAnywhere, "op", ""), http.StatusNotFound},
		{"admission cap", apperrors.New(apperrors.ResourceExhausted, "op", "cap"), http.StatusServiceUnavailable},
		{"too large", apperrors.Wrap(apperrors.ResourceExhausted, "op", apperrors.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped classified", fmt.Errorf("outer: %w", apperrors.New(apperrors.PathEscape, "op", "")), http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, apperrors.StatusCode(tc.err))
		})
	}
}

func TestPublicMessage_HidesCause(t *testing.T) {
	t.Parallel()

	err := apperrors.Wrap(apperrors.Internal, "resolve", errors.New("open /srv/htdocs/secret: permission denied"))
	msg := apperrors.PublicMessage(err)

	assert.Equal(t, "internal server error", msg)
	assert.NotContains(t, msg, "/srv")
}

func TestCheckResponse(t *testing.T) {
	t.Parallel()

	req := &http.Request{URL: &url.URL{Scheme: "https", Host: "origin.test", Path: "/a.swf"}}

	tests := []struct {
		status int
		want   apperrors.Kind
	}{
		{http.StatusServiceUnavailable, apperrors.UpstreamTransient},
		{http.StatusTooManyRequests, apperrors.UpstreamTransient},
		{http.StatusNotFound, apperrors.NotFoundLocal},
		{http.StatusForbidden, apperrors.UpstreamTerminal},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			err := apperrors.CheckResponse("fetch", &http.Response{StatusCode: tc.status, Request: req})
			assert.Equal(t, tc.want, apperrors.KindOf(err))
		})
	}

	assert.NoError(t, apperrors.CheckResponse("fetch", &http.Response{StatusCode: http.StatusOK, Request: req}))
}
