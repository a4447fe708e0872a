package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the gateway's classified failure modes. Callers decide
// retry and fallback behavior with errors.Is/errors.As against these, never
// by inspecting status codes.
var (
	// ErrAuth means the API key was rejected. Not retried; surfaced to the operator.
	ErrAuth = errors.New("gateway: authentication rejected")
	// ErrNotFound means the referenced instance or resource no longer exists.
	ErrNotFound = errors.New("gateway: not found")
	// ErrConflict means an instance name collision on create. Callers should
	// fall back to connecting to the existing instance.
	ErrConflict = errors.New("gateway: conflict")
	// ErrServer means a gateway-side fault.
	ErrServer = errors.New("gateway: server fault")
)

// HTTPError is returned for non-2xx statuses outside the classified set.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, e.Message)
}

// NetworkError wraps a transport-level failure (DNS, timeout, refused
// connection). It always carries the original error.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("gateway: network failure calling %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// classify maps a non-2xx status to a typed error.
func classify(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, message)
	case http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrServer, message)
	default:
		return &HTTPError{Status: status, Message: message}
	}
}

// IsRetryable reports whether the error is likely transient. List/fetch
// callers use this to prefer cache fallback over user-visible failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrServer) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// outcomeLabel maps an error to a metrics label value.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrServer):
		return "server"
	default:
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return "network"
		}
		return "http"
	}
}
