// Package errors classifies failures of sidecar, checker and RPC calls so
// callers can decide whether to retry them.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind is the retry classification of a failure.
type Kind int

const (
	// KindUnknown is not explicitly classified; see IsTransient.
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	// KindDegraded marks a dependency that is deliberately not being called,
	// such as one behind an open circuit breaker.
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a Kind and an optional operator-facing message to
// an underlying error.
type ClassifiedError struct {
	Kind    Kind
	Err     error
	Message string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewTransientError marks err as retry-able.
func NewTransientError(err error, message string) *ClassifiedError {
	return &ClassifiedError{Kind: KindTransient, Err: err, Message: message}
}

// NewPermanentError marks err as not retry-able.
func NewPermanentError(err error, message string) *ClassifiedError {
	return &ClassifiedError{Kind: KindPermanent, Err: err, Message: message}
}

// NewDegradedError marks err as a deliberately skipped call.
func NewDegradedError(err error, message string) *ClassifiedError {
	return &ClassifiedError{Kind: KindDegraded, Err: err, Message: message}
}

// StatusCoder is implemented by errors that carry an HTTP status code, such
// as the checker's status error.
type StatusCoder interface {
	StatusCode() int
}

// KindOf classifies err. An explicit classification wins; otherwise HTTP
// status codes, network errors and connection syscalls are inspected.
// Cancellation is never transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) && classified.Kind != KindUnknown {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		switch code := coder.StatusCode(); {
		case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
			if code == http.StatusNotImplemented || code == http.StatusHTTPVersionNotSupported {
				return KindPermanent
			}
			return KindTransient
		case code >= http.StatusBadRequest:
			return KindPermanent
		}
	}
	if isNetworkError(err) || isConnectionErrno(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err is known not to be worth retrying.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsDegraded reports whether err came from a deliberately skipped call.
func IsDegraded(err error) bool { return KindOf(err) == KindDegraded }

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return true
	}
	return false
}
