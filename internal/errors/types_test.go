package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", NewTransientError(errors.New("boom"), ""), true},
		{"marked permanent", NewPermanentError(errors.New("boom"), ""), false},
		{"wrapped transient", fmt.Errorf("call failed: %w", NewTransientError(errors.New("boom"), "")), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadline exceeded", errors.New("context deadline exceeded"), true},
		{"transient status", NewTransientHTTPError(errors.New("upstream"), 503), true},
		{"plain error", errors.New("something odd"), false},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsPermanentClassification(t *testing.T) {
	if !IsPermanent(NewPermanentError(errors.New("boom"), "")) {
		t.Error("marked permanent error not classified as permanent")
	}
	if IsPermanent(NewTransientError(errors.New("boom"), "")) {
		t.Error("marked transient error classified as permanent")
	}
	if !IsPermanent(errors.New("resource not found")) {
		t.Error("not-found pattern not classified as permanent")
	}
}

func TestStatusCodeExtraction(t *testing.T) {
	err := fmt.Errorf("request failed: %w", NewTransientHTTPError(errors.New("upstream"), 502))
	if got := StatusCode(err); got != 502 {
		t.Fatalf("StatusCode = %d, want 502", got)
	}
	if got := StatusCode(errors.New("no code here")); got != 0 {
		t.Fatalf("StatusCode = %d, want 0", got)
	}
}

func TestFormatForUserHidesTransportDetail(t *testing.T) {
	raw := errors.New(`Get "http://127.0.0.1:8099/api/dark-web/status": connection refused (circuit 2)`)
	msg := FormatForUser(raw)

	for _, leak := range []string{"127.0.0.1", "8099", "circuit 2", "api/dark-web"} {
		if strings.Contains(msg, leak) {
			t.Errorf("user message leaks %q: %s", leak, msg)
		}
	}
	if msg == "" {
		t.Fatal("expected non-empty user message")
	}
}

func TestFormatForUserPrefersExplicitMessage(t *testing.T) {
	err := NewPermanentError(errors.New("boom"), "Query text cannot be empty.")
	if got := FormatForUser(err); got != "Query text cannot be empty." {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestFormatForUserPoolExhausted(t *testing.T) {
	msg := FormatForUser(fmt.Errorf("dispatch: %w", ErrPoolExhausted))
	if !strings.Contains(msg, "channels") {
		t.Fatalf("unexpected pool-exhausted message %q", msg)
	}
}
