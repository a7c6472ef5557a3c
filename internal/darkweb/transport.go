package darkweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"samgpt/internal/dispatch"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/httpclient"
	"samgpt/internal/logging"
	"samgpt/internal/version"
)

const (
	headerClientVersion = "X-Client-Version"
	headerRequestID     = "X-Request-ID"
	headerCircuitID     = "X-Circuit-ID"

	defaultBaseURL     = "http://127.0.0.1:8099/api/dark-web"
	defaultCallTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20
)

// TransportConfig configures the HTTP transport behind the dispatcher.
type TransportConfig struct {
	BaseURL     string        `yaml:"base_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultTransportConfig returns the reference transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BaseURL:     defaultBaseURL,
		CallTimeout: defaultCallTimeout,
	}
}

// HTTPTransport performs dispatcher calls against the gateway. Network
// errors, timeouts and non-2xx statuses are all classified as transient so
// the dispatcher retries them; the per-call timeout comes from the underlying
// client and surfaces the same way.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

var _ dispatch.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds the production transport with a breaker-guarded
// client, so a flapping gateway is cut off before the retry budget burns.
func NewHTTPTransport(config TransportConfig, logger logging.Logger) *HTTPTransport {
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	client := httpclient.NewWithBreaker(config.CallTimeout, logger, "darkweb-gateway")
	return NewHTTPTransportWithClient(config, client, logger)
}

// NewHTTPTransportWithClient builds a transport over an existing client.
func NewHTTPTransportWithClient(config TransportConfig, client *http.Client, logger logging.Logger) *HTTPTransport {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = httpclient.New(defaultCallTimeout)
	}
	return &HTTPTransport{
		baseURL: baseURL,
		client:  client,
		logger:  logging.OrNop(logger),
	}
}

// Do performs one attempt of a call against the gateway.
func (t *HTTPTransport) Do(ctx context.Context, call dispatch.Call) (json.RawMessage, error) {
	endpoint := t.baseURL + "/" + strings.TrimLeft(call.Path, "/")

	var body io.Reader
	if len(call.Payload) > 0 {
		body = bytes.NewReader(call.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, endpoint, body)
	if err != nil {
		return nil, samerrors.NewPermanentError(fmt.Errorf("build request: %w", err), "")
	}

	call.Headers.Apply(req.Header)
	if len(call.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerClientVersion, version.ClientVersion())
	req.Header.Set(headerRequestID, call.RequestID)
	req.Header.Set(headerCircuitID, strconv.Itoa(call.CircuitID))

	resp, err := t.client.Do(req)
	if err != nil {
		// Net errors and breaker rejections arrive already classified.
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, samerrors.NewTransientError(fmt.Errorf("read response: %w", err), "")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Debug("%s %s returned %d on circuit %d", call.Method, call.Operation, resp.StatusCode, call.CircuitID)
		return nil, samerrors.NewTransientHTTPError(
			fmt.Errorf("%s %s: status %d", call.Method, call.Operation, resp.StatusCode), resp.StatusCode)
	}

	return wrapBody(resp.Header.Get("Content-Type"), payload)
}

// wrapBody normalizes a response body. JSON passes through once validated;
// any other content type is wrapped as {"content": text}.
func wrapBody(contentType string, body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if strings.Contains(contentType, "application/json") {
		if !json.Valid(body) {
			return nil, samerrors.NewTransientError(fmt.Errorf("malformed json response"), "")
		}
		return json.RawMessage(body), nil
	}
	wrapped, err := json.Marshal(QueryResponse{Content: string(body)})
	if err != nil {
		return nil, samerrors.NewTransientError(fmt.Errorf("wrap raw response: %w", err), "")
	}
	return json.RawMessage(wrapped), nil
}
