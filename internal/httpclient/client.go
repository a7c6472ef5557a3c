package httpclient

import (
	"net/http"
	"time"
)

// New returns an http.Client configured for outbound broker calls.
//
// It respects HTTP(S)_PROXY/ALL_PROXY/NO_PROXY so deployments that front the
// backend with a local proxy keep working without extra configuration.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns an http.Transport clone with a proxy policy suitable for
// outbound calls.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}

	transport := base.Clone()
	transport.Proxy = http.ProxyFromEnvironment
	return transport
}
