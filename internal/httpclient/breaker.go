package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	avserrors "avs/internal/errors"
	"avs/internal/logging"
)

// NewWithCircuitBreaker builds a sidecar client with the default breaker.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithCircuitBreakerConfig(timeout, logger, name, avserrors.DefaultCircuitBreakerConfig())
}

// NewWithCircuitBreakerConfig builds a sidecar client whose requests are
// logged at debug level and guarded by a breaker named name. 5xx and 429
// responses count as failures; a cancelled request does not.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config avserrors.CircuitBreakerConfig) *http.Client {
	if name == "" {
		name = "sidecar"
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &breakerTransport{
			base:    http.DefaultTransport,
			breaker: avserrors.NewCircuitBreaker(name, config),
			logger:  logging.OrNop(logger),
		},
	}
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker *avserrors.CircuitBreaker
	logger  logging.Logger
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		t.logger.Debug("%s %s rejected: %v", req.Method, req.URL.Redacted(), err)
		return nil, err
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("%s %s failed after %s: %v", req.Method, req.URL.Redacted(), time.Since(start), err)
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
		} else {
			t.breaker.Mark(err)
		}
		return nil, err
	}
	t.logger.Debug("%s %s -> %d in %s", req.Method, req.URL.Redacted(), resp.StatusCode, time.Since(start))

	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
