package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	samerrors "samgpt/internal/errors"
	"samgpt/internal/logging"
)

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *samerrors.Breaker
}

// NewWithBreaker builds an HTTP client guarded by a circuit breaker.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithBreakerConfig(timeout, logger, name, samerrors.DefaultBreakerConfig())
}

// NewWithBreakerConfig builds an HTTP client guarded by a custom breaker config.
func NewWithBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config samerrors.BreakerConfig) *http.Client {
	client := New(timeout)
	client.Transport = WrapTransportWithBreaker(client.Transport, name, config, logger)
	return client
}

// WrapTransportWithBreaker wraps a transport with circuit breaker protection.
func WrapTransportWithBreaker(base http.RoundTripper, name string, config samerrors.BreakerConfig, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &breakerRoundTripper{
		base:    base,
		breaker: samerrors.NewBreaker(name, config, logger),
	}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
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
