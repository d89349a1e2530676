package goals

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed request so callers can decide on retry or
// logout without string-matching messages.
type ErrorKind int

const (
	// KindTimeout: the request exceeded its budget. Transient; the pipeline
	// never retries on its own.
	KindTimeout ErrorKind = iota + 1
	// KindNetwork: transport-level failure (connectivity, DNS). Transient.
	KindNetwork
	// KindAuthRejected: 401/403 on an authenticated call. The server's
	// verdict overrides the local expiry clock; the session has been
	// invalidated by the time this error is returned.
	KindAuthRejected
	// KindValidation: 400/422, the payload was rejected. The server-provided
	// message is surfaced verbatim when present.
	KindValidation
	// KindServer: 5xx. Transient from the caller's perspective.
	KindServer
	// KindAPI: any other non-2xx status.
	KindAPI
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindAuthRejected:
		return "auth_rejected"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Error is a classified request failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status, 0 for transport failures
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns err's classification, or 0 when err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether retrying err later may succeed. Session
// expiry and validation failures are terminal; timeouts, network trouble and
// 5xx answers are not.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}

func classifyStatus(status int, message string) *Error {
	if message == "" {
		message = statusMessage(status)
	}
	kind := KindAPI
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthRejected
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// statusMessage is the fallback when the server response carries no usable
// message.
func statusMessage(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "authentication rejected"
	case status == http.StatusNotFound:
		return "not found"
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return "invalid request"
	case status >= 500:
		return "server error, try again later"
	default:
		return http.StatusText(status)
	}
}
