package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/sony/gobreaker"
)

// Kind classifies a transport failure. Callers never see raw transport
// errors; the errmap package turns a Kind into a domain error.
type Kind string

const (
	KindNoInternet      Kind = "no_internet"
	KindTimeout         Kind = "request_timeout"
	KindServerError     Kind = "server_error"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindSerialization   Kind = "serialization"
	KindUnavailable     Kind = "unavailable"
	KindUnknown         Kind = "unknown"
)

// TransportError is returned by every remote call that fails.
type TransportError struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: %s: %s (status %d)", e.Op, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("remote: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("remote: %s: %s", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf reports the transport classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

func statusKind(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

func classify(op string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	kind := KindUnknown
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		kind = KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &dnsErr), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		kind = KindNoInternet
	case errors.As(err, &opErr) && opErr.Op == "dial":
		kind = KindNoInternet
	}
	return &TransportError{Kind: kind, Op: op, Err: err}
}
