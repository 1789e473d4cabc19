package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"orderkeeper/pkg/exception"
)

// Class tells the gateway what a failed call means for the order.
type Class uint8

const (
	// ClassAmbiguous means the request may have reached the broker.
	ClassAmbiguous Class = iota
	// ClassRetryable means the request certainly had no effect.
	ClassRetryable
	// ClassFatal means the broker refused the request.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "ambiguous"
	}
}

func (c Class) sentinel() error {
	switch c {
	case ClassRetryable:
		return exception.ErrRetryableTransport
	case ClassFatal:
		return exception.ErrFatalAPI
	default:
		return exception.ErrAmbiguousOutcome
	}
}

// APIError is a classified broker failure.
type APIError struct {
	Class      Class
	Op         string
	StatusCode int
	Kind       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%d %s): %s", e.Op, e.Class, e.StatusCode, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Class, msg)
}

// Unwrap exposes the class sentinel and the cause to errors.Is.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class.sentinel()}
	}
	return []error{e.Class.sentinel(), e.Err}
}

// ClassifyStatus maps an HTTP status of a failed call to a class.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return ClassRetryable
	case code == http.StatusRequestTimeout:
		return ClassAmbiguous
	case code >= 400 && code < 500:
		return ClassFatal
	default:
		return ClassAmbiguous
	}
}

// Classify returns the class of any error a Client may return. Unknown
// failures are ambiguous: nothing proves the request had no effect.
func Classify(err error) Class {
	if err == nil {
		return ClassAmbiguous
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	switch {
	case errors.Is(err, exception.ErrRetryableTransport), errors.Is(err, exception.ErrBrokerRequestNotSent):
		return ClassRetryable
	case errors.Is(err, exception.ErrFatalAPI):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassAmbiguous
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassRetryable
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassAmbiguous
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return ClassRetryable
	}
	return ClassAmbiguous
}

// IsRetryable reports whether a call may simply be repeated.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

// IsSafeToRepeat reports whether a read or cancel call may be repeated.
// Only fatal errors stop those.
func IsSafeToRepeat(err error) bool {
	return Classify(err) != ClassFatal
}
