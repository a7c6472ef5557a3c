package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"samgpt/internal/circuit"
	"samgpt/internal/stealth"
)

// State tracks a logical request through the dispatch lifecycle.
type State int

const (
	StateQueued State = iota
	StateDispatching
	StateAwaitingRetry
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Submission describes one logical request handed to the dispatcher.
type Submission struct {
	Operation string
	Method    string
	Path      string
	Payload   json.RawMessage
	Priority  int
}

// Call is a single transport attempt for a logical request. The dispatcher
// fills in the circuit, the attempt number and a fresh header set per attempt.
type Call struct {
	Operation string
	Method    string
	Path      string
	Payload   json.RawMessage
	CircuitID int
	RequestID string
	Attempt   int
	Headers   stealth.HeaderSet
}

// Transport performs one attempt of a call and returns the response body.
// Implementations classify failures with the errors package so the dispatcher
// can decide between retry and terminal rejection.
type Transport interface {
	Do(ctx context.Context, call Call) (json.RawMessage, error)
}

// request is the dispatcher's internal view of a submission. All fields are
// guarded by the dispatcher mutex once the request has been enqueued.
type request struct {
	id          string
	operation   string
	method      string
	path        string
	payload     json.RawMessage
	priority    int
	submittedAt time.Time
	seq         uint64

	retryCount      int
	excludeCircuit  int
	assignedCircuit int
	state           State
	future          *Future

	index int // heap bookkeeping
}

func newRequest(id string, sub Submission, submittedAt time.Time, seq uint64) *request {
	return &request{
		id:              id,
		operation:       sub.Operation,
		method:          sub.Method,
		path:            sub.Path,
		payload:         sub.Payload,
		priority:        sub.Priority,
		submittedAt:     submittedAt,
		seq:             seq,
		excludeCircuit:  circuit.NoExclusion,
		assignedCircuit: circuit.NoExclusion,
		state:           StateQueued,
		future:          newFuture(),
	}
}

// Future is the single-fulfillment handle returned by Enqueue. It resolves
// exactly once, with either a response body or a terminal error.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(value json.RawMessage, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the request completes or ctx is done. It is safe to call
// from multiple goroutines and more than once.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

// Done exposes the completion signal for select-based callers.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
