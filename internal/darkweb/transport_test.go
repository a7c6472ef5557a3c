package darkweb

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"samgpt/internal/dispatch"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/logging"
	"samgpt/internal/stealth"
	"samgpt/internal/version"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *HTTPTransport {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	config := TransportConfig{BaseURL: server.URL + "/api/dark-web"}
	return NewHTTPTransport(config, logging.Nop())
}

func testCall(method, path string, payload json.RawMessage) dispatch.Call {
	return dispatch.Call{
		Operation: path,
		Method:    method,
		Path:      path,
		Payload:   payload,
		CircuitID: 2,
		RequestID: "req-transport-test",
		Headers:   stealth.NewRandomizerWithSeed(11).Generate(),
	}
}

func TestDoSendsIdentityAndTracingHeaders(t *testing.T) {
	var captured http.Header
	var capturedPath string
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		capturedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"available"}`))
	})

	value, err := transport.Do(context.Background(), testCall(http.MethodGet, "status", nil))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(value) != `{"status":"available"}` {
		t.Fatalf("value = %s", value)
	}
	if capturedPath != "/api/dark-web/status" {
		t.Fatalf("path = %s", capturedPath)
	}

	if ua := captured.Get("User-Agent"); ua == "" {
		t.Error("no User-Agent sent")
	}
	lang := captured.Get("Accept-Language")
	found := false
	for _, known := range stealth.Languages() {
		if lang == known {
			found = true
		}
	}
	if !found {
		t.Errorf("Accept-Language %q not from the identity table", lang)
	}
	if got := captured.Get("X-Client-Version"); got != version.ClientVersion() {
		t.Errorf("X-Client-Version = %q", got)
	}
	if got := captured.Get("X-Request-ID"); got != "req-transport-test" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := captured.Get("X-Circuit-ID"); got != "2" {
		t.Errorf("X-Circuit-ID = %q", got)
	}
}

func TestDoPostsJSONPayload(t *testing.T) {
	var capturedBody []byte
	var capturedContentType string
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		capturedBody, _ = io.ReadAll(r.Body)
		capturedContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":"done"}`))
	})

	payload := json.RawMessage(`{"query":"weather"}`)
	if _, err := transport.Do(context.Background(), testCall(http.MethodPost, "query", payload)); err != nil {
		t.Fatalf("do: %v", err)
	}
	if capturedContentType != "application/json" {
		t.Errorf("content type = %q", capturedContentType)
	}
	if string(capturedBody) != `{"query":"weather"}` {
		t.Errorf("body = %s", capturedBody)
	}
}

func TestDoWrapsNonJSONResponses(t *testing.T) {
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hidden service index"))
	})

	value, err := transport.Do(context.Background(), testCall(http.MethodGet, "logs", nil))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	var wrapped QueryResponse
	if err := json.Unmarshal(value, &wrapped); err != nil {
		t.Fatalf("unmarshal wrapped body: %v", err)
	}
	if wrapped.Content != "hidden service index" {
		t.Fatalf("content = %q", wrapped.Content)
	}
}

func TestDoClassifiesServerErrorsAsTransient(t *testing.T) {
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	})

	_, err := transport.Do(context.Background(), testCall(http.MethodGet, "status", nil))
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !samerrors.IsTransient(err) {
		t.Fatalf("503 not classified transient: %v", err)
	}
	if code := samerrors.StatusCode(err); code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d", code)
	}
}

func TestDoRejectsMalformedJSON(t *testing.T) {
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"broken": `))
	})

	_, err := transport.Do(context.Background(), testCall(http.MethodGet, "status", nil))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
	if !samerrors.IsTransient(err) {
		t.Fatalf("malformed body not classified transient: %v", err)
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("error = %v", err)
	}
}
