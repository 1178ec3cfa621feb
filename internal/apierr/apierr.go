// Package apierr defines the transport error taxonomy shared by every
// outbound client. Errors are a closed set of kinds; retry decisions and
// orchestration mappings switch on Kind rather than on concrete types.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindAuth
	KindNotFound
	KindClient
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type returned by API clients for transport
// failures. StatusCode is 0 when no HTTP response was received.
type Error struct {
	Kind       Kind
	API        string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error", e.API, e.Kind)
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus exposes the status code to the retry layer.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	case KindClient:
		return e.StatusCode == http.StatusTooManyRequests
	case KindAuth, KindNotFound:
		return false
	default:
		return false
	}
}

// FromStatus maps a non-2xx HTTP status to an Error.
func FromStatus(api, endpoint string, status int, body string) *Error {
	kind := KindClient
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 500:
		kind = KindServer
	}
	var cause error
	if body != "" {
		cause = errors.New(body)
	}
	return &Error{Kind: kind, API: api, Endpoint: endpoint, StatusCode: status, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether err is a not-found transport error.
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindAuth
}
