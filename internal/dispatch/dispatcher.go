// Package dispatch turns queued logical requests into transport calls under a
// concurrency ceiling. Requests wait in a priority queue, each dispatch pulls
// a circuit from the pool, applies a randomized header identity and a short
// pre-call delay, and failed calls are retried with exponential backoff on a
// different circuit until the retry budget runs out.
package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"samgpt/internal/async"
	"samgpt/internal/circuit"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/ident"
	"samgpt/internal/logging"
	"samgpt/internal/stealth"
)

const (
	defaultMaxConcurrency = 3
	defaultTickInterval   = 100 * time.Millisecond
	defaultMinCallJitter  = 500 * time.Millisecond
	defaultMaxCallJitter  = 2 * time.Second
)

// Config configures the dispatcher.
type Config struct {
	// MaxConcurrency bounds how many requests are dispatching at once.
	MaxConcurrency int `yaml:"max_concurrency"`
	// TickInterval is the period of the dispatch loop.
	TickInterval time.Duration `yaml:"tick_interval"`
	// MinCallJitter and MaxCallJitter bound the randomized delay inserted
	// before every transport call to stagger request timing.
	MinCallJitter time.Duration `yaml:"min_call_jitter"`
	MaxCallJitter time.Duration `yaml:"max_call_jitter"`
	// Retry controls backoff between attempts.
	Retry samerrors.RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the reference dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: defaultMaxConcurrency,
		TickInterval:   defaultTickInterval,
		MinCallJitter:  defaultMinCallJitter,
		MaxCallJitter:  defaultMaxCallJitter,
		Retry:          samerrors.DefaultRetryConfig(),
	}
}

// EventType labels dispatcher lifecycle events.
type EventType string

const (
	EventDispatched     EventType = "request_dispatched"
	EventRetryScheduled EventType = "request_retry_scheduled"
	EventExhausted      EventType = "request_retries_exhausted"
	EventCompleted      EventType = "request_completed"
)

// Event describes one dispatcher state change for observers.
type Event struct {
	Type       EventType     `json:"type"`
	RequestID  string        `json:"requestId"`
	Operation  string        `json:"operation"`
	CircuitID  int           `json:"circuitId"`
	RetryCount int           `json:"retryCount"`
	Delay      time.Duration `json:"delay,omitempty"`
	At         time.Time     `json:"at"`
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	QueueDepth int    `json:"queueDepth"`
	Active     int    `json:"active"`
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Retries    uint64 `json:"retries"`
	Exhausted  uint64 `json:"exhausted"`
}

// Dispatcher owns the pending queue and the concurrency counter. All request
// state transitions happen under its mutex; the jittered pre-call delay, the
// transport call and the retry backoff run outside it.
type Dispatcher struct {
	config    Config
	logger    logging.Logger
	clock     clock.Clock
	pool      *circuit.Pool
	transport Transport
	headers   *stealth.Randomizer

	mu         sync.Mutex
	queue      requestHeap
	active     int
	seq        uint64
	closed     bool
	rng        *rand.Rand
	sink       func(Event)
	dispatched uint64
	succeeded  uint64
	retries    uint64
	exhausted  uint64

	kick chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher over the given pool and transport.
func New(config Config, pool *circuit.Pool, transport Transport, headers *stealth.Randomizer, logger logging.Logger) *Dispatcher {
	return NewWithClock(config, pool, transport, headers, logger, clock.New())
}

// NewWithClock creates a dispatcher with an injected clock for tests.
func NewWithClock(config Config, pool *circuit.Pool, transport Transport, headers *stealth.Randomizer, logger logging.Logger, clk clock.Clock) *Dispatcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.Retry.MaxRetries <= 0 {
		config.Retry = samerrors.DefaultRetryConfig()
	}
	if headers == nil {
		headers = stealth.NewRandomizer()
	}
	return &Dispatcher{
		config:    config,
		logger:    logging.OrNop(logger),
		clock:     clk,
		pool:      pool,
		transport: transport,
		headers:   headers,
		rng:       rand.New(rand.NewSource(clk.Now().UnixNano())),
		kick:      make(chan struct{}, 1),
	}
}

// SetEventSink registers a listener for dispatcher events. The sink is called
// from dispatcher goroutines and must be safe for concurrent use.
func (d *Dispatcher) SetEventSink(sink func(Event)) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

func (d *Dispatcher) emit(e Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

// Enqueue adds a logical request to the pending queue and returns its future.
// The request is picked up by the next dispatch cycle, or immediately when
// capacity is free.
func (d *Dispatcher) Enqueue(sub Submission) (*Future, error) {
	now := d.clock.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, samerrors.ErrDispatcherClosed
	}
	d.seq++
	req := newRequest(ident.NewRequestID(), sub, now, d.seq)
	heap.Push(&d.queue, req)
	depth := d.queue.Len()
	d.mu.Unlock()

	d.logger.Debug("enqueued %s %s (priority %d, depth %d)", req.id, req.operation, req.priority, depth)
	d.kickNow()
	return req.future, nil
}

// Stats reports current queue depth, in-flight count and lifetime counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		QueueDepth: d.queue.Len(),
		Active:     d.active,
		Dispatched: d.dispatched,
		Succeeded:  d.succeeded,
		Retries:    d.retries,
		Exhausted:  d.exhausted,
	}
}

// Run drives the dispatch loop until ctx is done. On shutdown all queued
// requests fail with ErrDispatcherClosed; in-flight calls finish through
// their normal completion paths.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.Ticker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-d.kick:
		}
		d.dispatchEligible(ctx)
	}
}

// dispatchEligible starts queued work while capacity remains. Pops the
// highest-priority, oldest request each iteration.
func (d *Dispatcher) dispatchEligible(ctx context.Context) {
	for {
		d.mu.Lock()
		if d.closed || d.active >= d.config.MaxConcurrency || d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}

		req := heap.Pop(&d.queue).(*request)
		circuitID, err := d.pool.Select(req.excludeCircuit)
		if err != nil {
			req.state = StateFailed
			d.mu.Unlock()
			req.future.complete(nil, err)
			continue
		}
		req.state = StateDispatching
		req.assignedCircuit = circuitID
		d.active++
		d.dispatched++
		_ = d.pool.MarkBusy(circuitID)
		attempt := req.retryCount
		d.mu.Unlock()

		d.logger.Debug("dispatching %s %s on circuit %d (attempt %d)", req.id, req.operation, circuitID, attempt+1)
		d.emit(Event{Type: EventDispatched, RequestID: req.id, Operation: req.operation, CircuitID: circuitID, RetryCount: attempt, At: d.clock.Now()})

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer async.Recover(d.logger, "dispatch")
			d.execute(ctx, req, circuitID, attempt)
		}()
	}
}

// execute runs one transport attempt end to end: pre-call jitter, the call
// itself, then the success or failure path.
func (d *Dispatcher) execute(ctx context.Context, req *request, circuitID int, attempt int) {
	if delay := d.callJitter(); delay > 0 {
		timer := d.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.abort(req, circuitID)
			return
		case <-timer.C:
		}
	}

	call := Call{
		Operation: req.operation,
		Method:    req.method,
		Path:      req.path,
		Payload:   req.payload,
		CircuitID: circuitID,
		RequestID: req.id,
		Attempt:   attempt,
		Headers:   d.headers.Generate(),
	}
	value, err := d.transport.Do(ctx, call)

	_ = d.pool.MarkReady(circuitID)

	if err == nil {
		d.finishSuccess(req, circuitID, value)
		return
	}
	if ctx.Err() != nil {
		d.mu.Lock()
		req.state = StateFailed
		d.active--
		d.mu.Unlock()
		req.future.complete(nil, samerrors.ErrDispatcherClosed)
		return
	}
	d.handleFailure(req, circuitID, err)
}

func (d *Dispatcher) finishSuccess(req *request, circuitID int, value json.RawMessage) {
	d.mu.Lock()
	req.state = StateSucceeded
	d.active--
	d.succeeded++
	d.mu.Unlock()

	req.future.complete(value, nil)
	d.pool.RotateIfOverused(circuitID)
	d.emit(Event{Type: EventCompleted, RequestID: req.id, Operation: req.operation, CircuitID: circuitID, RetryCount: req.retryCount, At: d.clock.Now()})
	d.kickNow()
}

func (d *Dispatcher) handleFailure(req *request, circuitID int, cause error) {
	d.mu.Lock()

	if d.closed {
		req.state = StateFailed
		d.active--
		d.mu.Unlock()
		req.future.complete(nil, samerrors.ErrDispatcherClosed)
		return
	}

	// A permanent failure skips the retry budget; retrying it would produce
	// the same answer. The circuit is not at fault, so no cooldown.
	if samerrors.IsPermanent(cause) {
		req.state = StateFailed
		d.active--
		d.mu.Unlock()

		req.future.complete(nil, cause)
		d.logger.Warn("request %s failed permanently on circuit %d: %v", req.id, circuitID, cause)
		d.emit(Event{Type: EventCompleted, RequestID: req.id, Operation: req.operation, CircuitID: circuitID, RetryCount: req.retryCount, At: d.clock.Now()})
		d.kickNow()
		return
	}

	if req.retryCount >= d.config.Retry.MaxRetries {
		req.state = StateFailed
		attempts := req.retryCount + 1
		d.active--
		d.exhausted++
		d.mu.Unlock()

		terminal := samerrors.NewPermanentError(
			fmt.Errorf("retries exhausted after %d attempts: %w", attempts, cause), "")
		req.future.complete(nil, terminal)
		_ = d.pool.Cooldown(circuitID, 0)
		_ = d.pool.Rotate(circuitID, circuit.RotationFailure)
		d.logger.Warn("request %s failed after %d attempts, cooling circuit %d: %v", req.id, attempts, circuitID, cause)
		d.emit(Event{Type: EventExhausted, RequestID: req.id, Operation: req.operation, CircuitID: circuitID, RetryCount: req.retryCount, At: d.clock.Now()})
		d.kickNow()
		return
	}

	delay := samerrors.BackoffWithRand(req.retryCount, d.config.Retry, d.rng)
	req.retryCount++
	req.excludeCircuit = circuitID
	req.state = StateAwaitingRetry
	retryCount := req.retryCount
	d.active--
	d.retries++
	d.mu.Unlock()

	d.logger.Debug("request %s retry %d in %s, avoiding circuit %d: %v", req.id, retryCount, delay, circuitID, cause)
	d.clock.AfterFunc(delay, func() {
		d.requeue(req)
	})
	d.emit(Event{Type: EventRetryScheduled, RequestID: req.id, Operation: req.operation, CircuitID: circuitID, RetryCount: retryCount, Delay: delay, At: d.clock.Now()})
	d.kickNow()
}

// requeue returns a request to the pending queue once its backoff has
// elapsed. The state check keeps a request from being queued twice.
func (d *Dispatcher) requeue(req *request) {
	d.mu.Lock()
	if d.closed {
		req.state = StateFailed
		d.mu.Unlock()
		req.future.complete(nil, samerrors.ErrDispatcherClosed)
		return
	}
	if req.state != StateAwaitingRetry {
		d.mu.Unlock()
		return
	}
	req.state = StateQueued
	heap.Push(&d.queue, req)
	d.mu.Unlock()
	d.kickNow()
}

// abort releases a request whose pre-call delay was interrupted by shutdown.
func (d *Dispatcher) abort(req *request, circuitID int) {
	_ = d.pool.MarkReady(circuitID)
	d.mu.Lock()
	req.state = StateFailed
	d.active--
	d.mu.Unlock()
	req.future.complete(nil, samerrors.ErrDispatcherClosed)
}

// drain rejects everything still queued at shutdown.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.closed = true
	pending := make([]*request, 0, d.queue.Len())
	for d.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&d.queue).(*request))
	}
	d.mu.Unlock()

	for _, req := range pending {
		req.state = StateFailed
		req.future.complete(nil, samerrors.ErrDispatcherClosed)
	}
	if len(pending) > 0 {
		d.logger.Info("dispatcher closed with %d pending requests rejected", len(pending))
	}
}

func (d *Dispatcher) kickNow() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) callJitter() time.Duration {
	min, max := d.config.MinCallJitter, d.config.MaxCallJitter
	if max <= 0 || max < min {
		return 0
	}
	if max == min {
		return min
	}
	d.mu.Lock()
	roll := d.rng.Float64()
	d.mu.Unlock()
	return min + time.Duration(roll*float64(max-min))
}
