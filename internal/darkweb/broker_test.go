package darkweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"samgpt/internal/cache"
	"samgpt/internal/circuit"
	"samgpt/internal/dispatch"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/logging"
	"samgpt/internal/stealth"
)

// brokerTransport is an in-memory gateway double keyed by call path.
type brokerTransport struct {
	mu      sync.Mutex
	calls   []dispatch.Call
	respond func(call dispatch.Call) (json.RawMessage, error)
}

func (s *brokerTransport) Do(ctx context.Context, call dispatch.Call) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(call)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *brokerTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *brokerTransport) countPath(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

func (s *brokerTransport) find(path string) (dispatch.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Path == path {
			return c, true
		}
	}
	return dispatch.Call{}, false
}

func (s *brokerTransport) last() dispatch.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type brokerEvents struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (r *brokerEvents) sink(e dispatch.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *brokerEvents) count(t dispatch.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type brokerHarness struct {
	broker *Broker
	mock   *clock.Mock
	stub   *brokerTransport
	pool   *circuit.Pool
	events *brokerEvents
}

// newBrokerHarness builds a full broker over in-memory collaborators sharing
// one mock clock. Randomized delays are zeroed so the pipeline runs on
// completion kicks and explicit clock advances only.
func newBrokerHarness(t *testing.T) *brokerHarness {
	t.Helper()
	mock := clock.NewMock()
	pool := circuit.NewPoolWithClock(circuit.DefaultConfig(), logging.Nop(), mock)
	store := cache.NewWithClock(cache.Config{}, logging.Nop(), mock)
	stub := &brokerTransport{}

	dispatchConfig := dispatch.DefaultConfig()
	dispatchConfig.MinCallJitter = 0
	dispatchConfig.MaxCallJitter = 0
	dispatchConfig.Retry.JitterFactor = 0

	d := dispatch.NewWithClock(dispatchConfig, pool, stub, stealth.NewRandomizerWithSeed(3), logging.Nop(), mock)
	rec := &brokerEvents{}
	d.SetEventSink(rec.sink)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	broker := NewBroker(DefaultConfig(), store, d, pool, stealth.NewRandomizerWithSeed(5), logging.Nop())
	return &brokerHarness{broker: broker, mock: mock, stub: stub, pool: pool, events: rec}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestQueryServedFromCacheOnRepeat(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"content":"sunny"}`), nil
	}
	ctx := context.Background()

	got, err := h.broker.Query(ctx, "weather")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "sunny" {
		t.Fatalf("answer = %q, want sunny", got)
	}
	if h.stub.count() != 1 {
		t.Fatalf("transport calls = %d, want 1", h.stub.count())
	}

	again, err := h.broker.Query(ctx, "weather")
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if again != "sunny" {
		t.Fatalf("cached answer = %q, want sunny", again)
	}
	if h.stub.count() != 1 {
		t.Fatalf("cache hit issued a transport call, total %d", h.stub.count())
	}

	// A different query misses the cache.
	if _, err := h.broker.Query(ctx, "news"); err != nil {
		t.Fatalf("third query: %v", err)
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d, want 2", h.stub.count())
	}
}

func TestStatusCacheExpiresWithClock(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"available"}`), nil
	}
	ctx := context.Background()

	status, err := h.broker.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Available() {
		t.Fatalf("status = %+v, want available", status)
	}
	if _, err := h.broker.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 1 {
		t.Fatalf("transport calls = %d, want 1 while cached", h.stub.count())
	}

	h.mock.Add(11 * time.Second)

	if _, err := h.broker.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d after expiry, want 2", h.stub.count())
	}
}

func TestConnectNeverCached(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"success":true}`), nil
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := h.broker.Connect(ctx)
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if !result.Connected {
			t.Fatalf("connect %d not connected", i)
		}
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d, want 2", h.stub.count())
	}
}

func TestConnectAcceptsStatusVariant(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"connected"}`), nil
	}

	result, err := h.broker.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !result.Connected || result.Status != "connected" {
		t.Fatalf("result = %+v", result)
	}
}

func TestValidationRejectsBeforeDispatch(t *testing.T) {
	h := newBrokerHarness(t)
	ctx := context.Background()

	if _, err := h.broker.Query(ctx, "   "); err == nil {
		t.Error("blank query accepted")
	}
	if _, err := h.broker.ExploreTopic(ctx, "markets", 0); err == nil {
		t.Error("bad depth accepted")
	}
	if _, err := h.broker.SubmitJob(ctx, JobSpec{Depth: 1}); err == nil {
		t.Error("empty job accepted")
	}
	if _, err := h.broker.PollJob(ctx, ""); err == nil {
		t.Error("blank job id accepted")
	}
	if err := h.broker.RotateCircuit(ctx, 9); err == nil {
		t.Error("out-of-range circuit accepted")
	}

	_, err := h.broker.Query(ctx, "")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("validation error type = %T", err)
	}
	if opErr.Op != "query" {
		t.Fatalf("op = %q", opErr.Op)
	}
	if !errors.Is(err, samerrors.ErrInvalidInput) {
		t.Errorf("validation error not tagged as invalid input: %v", err)
	}

	if h.stub.count() != 0 {
		t.Fatalf("validation reached the transport, %d calls", h.stub.count())
	}
	if stats := h.broker.DispatcherStats(); stats.Dispatched != 0 || stats.QueueDepth != 0 {
		t.Fatalf("validation consumed dispatcher capacity: %+v", stats)
	}
}

func TestTerminalFailureTranslatedForCaller(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return nil, samerrors.NewTransientHTTPError(fmt.Errorf("POST query: status 503"), 503)
	}

	resCh := make(chan error, 1)
	go func() {
		_, err := h.broker.Query(context.Background(), "weather")
		resCh <- err
	}()

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		retries := i + 1
		waitUntil(t, fmt.Sprintf("retry %d scheduled", retries), func() bool {
			return h.events.count(dispatch.EventRetryScheduled) == retries
		})
		h.mock.Add(delay)
	}

	var err error
	select {
	case err = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("query never returned")
	}
	if err == nil {
		t.Fatal("expected terminal error")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("error type = %T", err)
	}
	for _, leak := range []string{"503", "circuit", "header", "127.0.0.1"} {
		if strings.Contains(strings.ToLower(opErr.Message), leak) {
			t.Errorf("user message leaks %q: %s", leak, opErr.Message)
		}
	}
	if opErr.Message == "" {
		t.Error("user message empty")
	}

	// The transport-level cause stays reachable for logging.
	if !samerrors.IsPermanent(errors.Unwrap(opErr)) {
		t.Errorf("cause not terminal: %v", errors.Unwrap(opErr))
	}

	final := h.stub.last().CircuitID
	waitUntil(t, "final circuit cooling", func() bool {
		status, err := h.pool.Status(final)
		return err == nil && status == circuit.StatusCooling
	})
}

func TestRotateCircuitMirrorsLocallyAndInvalidates(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		switch call.Path {
		case "status":
			return json.RawMessage(`{"status":"available"}`), nil
		case "circuit/rotate":
			return json.RawMessage(`{"success":true}`), nil
		default:
			return json.RawMessage(`{}`), nil
		}
	}
	ctx := context.Background()

	if _, err := h.broker.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.broker.RotateCircuit(ctx, 1); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	rotateCall, ok := h.stub.find("circuit/rotate")
	if !ok {
		t.Fatal("no rotate call reached the transport")
	}
	var rotateReq RotateRequest
	if err := json.Unmarshal(rotateCall.Payload, &rotateReq); err != nil || rotateReq.CircuitID != 1 {
		t.Fatalf("rotate payload = %s", rotateCall.Payload)
	}

	if rotations := h.broker.LocalCircuits()[1].Rotations; rotations != 1 {
		t.Fatalf("local rotations = %d, want 1", rotations)
	}

	// The cached status answer was dropped with the old route.
	if _, err := h.broker.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.stub.countPath("status"); got != 2 {
		t.Fatalf("status transport calls = %d, want 2 after invalidation", got)
	}
}

func TestSubmitJobFillsIdentityAndDefaults(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"jobId":"job-42"}`), nil
	}
	onion := "http://" + strings.Repeat("e", 56) + ".onion"

	jobID, err := h.broker.SubmitJob(context.Background(), JobSpec{
		URLs:   []string{onion},
		Depth:  1,
		UseTLS: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID != "job-42" {
		t.Fatalf("job id = %q", jobID)
	}

	call, ok := h.stub.find("jobs/ephemeral")
	if !ok {
		t.Fatal("no submit call reached the transport")
	}
	var sent JobSpec
	if err := json.Unmarshal(call.Payload, &sent); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if sent.UserAgent == "" || sent.AcceptLanguage == "" {
		t.Fatalf("identity fields not filled: %+v", sent)
	}
	known := false
	for _, identity := range stealth.Identities() {
		if identity.UserAgent == sent.UserAgent {
			known = true
		}
	}
	if !known {
		t.Errorf("user agent %q not from the identity table", sent.UserAgent)
	}
	if sent.Timeout != 60 {
		t.Errorf("timeout = %d, want default 60", sent.Timeout)
	}
	if !sent.UseTLS {
		t.Error("useTls flag lost")
	}
}

func TestPollJobCachesBriefly(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"running","progress":0.41}`), nil
	}
	ctx := context.Background()

	status, err := h.broker.PollJob(ctx, "job-42")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Status != "running" || status.Progress != 0.41 || status.JobID != "job-42" {
		t.Fatalf("status = %+v", status)
	}
	if _, err := h.broker.PollJob(ctx, "job-42"); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 1 {
		t.Fatalf("transport calls = %d, want 1 while cached", h.stub.count())
	}

	// A different job id is a different key.
	if _, err := h.broker.PollJob(ctx, "job-43"); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d, want 2", h.stub.count())
	}

	h.mock.Add(6 * time.Second)
	if _, err := h.broker.PollJob(ctx, "job-42"); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 3 {
		t.Fatalf("transport calls = %d after expiry, want 3", h.stub.count())
	}
}

func TestExploreTopicCachesForAnHour(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"sites":["x"]}`), nil
	}
	ctx := context.Background()

	first, err := h.broker.ExploreTopic(ctx, "marketplaces", 2)
	if err != nil {
		t.Fatalf("explore: %v", err)
	}
	if string(first) != `{"sites":["x"]}` {
		t.Fatalf("payload = %s", first)
	}
	if _, err := h.broker.ExploreTopic(ctx, "marketplaces", 2); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 1 {
		t.Fatalf("transport calls = %d, want 1 while cached", h.stub.count())
	}

	h.mock.Add(61 * time.Minute)
	if _, err := h.broker.ExploreTopic(ctx, "marketplaces", 2); err != nil {
		t.Fatal(err)
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d after expiry, want 2", h.stub.count())
	}
}

func TestGetCircuitInfoAlwaysFresh(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"circuits":[]}`), nil
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.broker.GetCircuitInfo(ctx); err != nil {
			t.Fatalf("circuit info %d: %v", i, err)
		}
	}
	if h.stub.count() != 2 {
		t.Fatalf("transport calls = %d, want 2", h.stub.count())
	}

	if got := len(h.broker.LocalCircuits()); got != 3 {
		t.Fatalf("local circuits = %d, want 3", got)
	}
}

func TestFetchLogsDecodesLines(t *testing.T) {
	h := newBrokerHarness(t)
	h.stub.respond = func(call dispatch.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"logs":["bootstrapped","circuit built"]}`), nil
	}

	logs, err := h.broker.FetchLogs(context.Background())
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 || logs[0] != "bootstrapped" {
		t.Fatalf("logs = %v", logs)
	}
}
