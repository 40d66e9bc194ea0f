// Package apperrors defines the gateway's error taxonomy and maps it onto HTTP statuses.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how callers should react to it.
type Kind int

const (
	// Internal is any failure not otherwise classified.
	Internal Kind = iota
	// InvalidInput covers malformed hostnames, null bytes, double encoding and bad dates.
	InvalidInput
	// PathEscape is a resolved path that falls outside its allowed base directory.
	PathEscape
	// NotFoundLocal means no local candidate exists; remote fallbacks may still succeed.
	NotFoundLocal
	// NotFoundAnywhere means every local and remote source was exhausted.
	NotFoundAnywhere
	// UpstreamTransient is a retryable remote failure (5xx, reset, timeout).
	UpstreamTransient
	// UpstreamTerminal is a non-retryable remote failure (4xx, rejected URL).
	UpstreamTerminal
	// ResourceExhausted covers caps: admission, size ceilings, redirect limits.
	ResourceExhausted
	// IntegrityFailure is a checksum mismatch.
	IntegrityFailure
	// AlreadyMounting is returned when an id is mid-mount.
	AlreadyMounting
	// ShuttingDown rejects new work after Close.
	ShuttingDown
)

var kindNames = map[Kind]string{
	Internal:          "internal",
	InvalidInput:      "invalid_input",
	PathEscape:        "path_escape",
	NotFoundLocal:     "not_found_local",
	NotFoundAnywhere:  "not_found",
	UpstreamTransient: "upstream_transient",
	UpstreamTerminal:  "upstream_terminal",
	ResourceExhausted: "resource_exhausted",
	IntegrityFailure:  "integrity_failure",
	AlreadyMounting:   "already_mounting",
	ShuttingDown:      "shutting_down",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Op names the failing operation; Err is the cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a message and no cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Internal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrTooLarge marks a ResourceExhausted failure caused by a payload size cap.
var ErrTooLarge = errors.New("payload exceeds size limit")

// StatusCode maps err onto the HTTP status sent to clients.
func StatusCode(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case PathEscape:
		return http.StatusForbidden
	case NotFoundLocal, NotFoundAnywhere:
		return http.StatusNotFound
	case ResourceExhausted:
		if errors.Is(err, ErrTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusServiceUnavailable
	case UpstreamTransient, UpstreamTerminal, IntegrityFailure:
		return http.StatusBadGateway
	case AlreadyMounting:
		return http.StatusConflict
	case ShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var publicMessages = map[Kind]string{
	InvalidInput:      "bad request",
	PathEscape:        "forbidden",
	NotFoundLocal:     "not found",
	NotFoundAnywhere:  "not found",
	UpstreamTransient: "upstream unavailable",
	UpstreamTerminal:  "upstream error",
	ResourceExhausted: "service busy",
	IntegrityFailure:  "upstream integrity check failed",
	AlreadyMounting:   "mount in progress",
	ShuttingDown:      "service shutting down",
	Internal:          "internal server error",
}

// PublicMessage is the text safe to send to a client for err. It never
// includes the cause chain.
func PublicMessage(err error) string {
	kind := KindOf(err)
	if kind == ResourceExhausted && errors.Is(err, ErrTooLarge) {
		return "payload too large"
	}
	return publicMessages[kind]
}
