// Package darkweb is the outbound request broker between the chat UI and the
// dark web gateway. The Broker facade validates inputs synchronously, answers
// idempotent reads from a TTL cache, and pushes everything else through the
// dispatcher, which schedules transport calls across the circuit pool.
package darkweb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"samgpt/internal/cache"
	"samgpt/internal/circuit"
	"samgpt/internal/dispatch"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/logging"
	"samgpt/internal/stealth"
)

// Operation priorities. Control-plane checks outrank content queries, which
// outrank exploratory and log traffic.
const (
	PriorityControl    = 10
	PriorityQuery      = 5
	PriorityBackground = 2
)

const (
	defaultStatusTTL    = 10 * time.Second
	defaultQueryTTL     = 2 * time.Minute
	defaultExploreTTL   = time.Hour
	defaultJobStatusTTL = 5 * time.Second
	defaultLogsTTL      = 30 * time.Second
	defaultJobTimeout   = 60
)

// Config holds per-operation cache lifetimes, matched to how fast each
// answer goes stale.
type Config struct {
	StatusTTL         time.Duration `yaml:"status_ttl"`
	QueryTTL          time.Duration `yaml:"query_ttl"`
	ExploreTTL        time.Duration `yaml:"explore_ttl"`
	JobStatusTTL      time.Duration `yaml:"job_status_ttl"`
	LogsTTL           time.Duration `yaml:"logs_ttl"`
	DefaultJobTimeout int           `yaml:"default_job_timeout"`
}

// DefaultConfig returns the reference broker configuration.
func DefaultConfig() Config {
	return Config{
		StatusTTL:         defaultStatusTTL,
		QueryTTL:          defaultQueryTTL,
		ExploreTTL:        defaultExploreTTL,
		JobStatusTTL:      defaultJobStatusTTL,
		LogsTTL:           defaultLogsTTL,
		DefaultJobTimeout: defaultJobTimeout,
	}
}

// Broker is the public operation surface. One instance per process; all
// state lives in the injected collaborators.
type Broker struct {
	config     Config
	logger     logging.Logger
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	pool       *circuit.Pool
	headers    *stealth.Randomizer
	metrics    Metrics
}

// NewBroker wires the facade over its collaborators.
func NewBroker(config Config, store *cache.Cache, dispatcher *dispatch.Dispatcher, pool *circuit.Pool, headers *stealth.Randomizer, logger logging.Logger) *Broker {
	if config.StatusTTL <= 0 {
		config.StatusTTL = defaultStatusTTL
	}
	if config.QueryTTL <= 0 {
		config.QueryTTL = defaultQueryTTL
	}
	if config.ExploreTTL <= 0 {
		config.ExploreTTL = defaultExploreTTL
	}
	if config.JobStatusTTL <= 0 {
		config.JobStatusTTL = defaultJobStatusTTL
	}
	if config.LogsTTL <= 0 {
		config.LogsTTL = defaultLogsTTL
	}
	if config.DefaultJobTimeout <= 0 {
		config.DefaultJobTimeout = defaultJobTimeout
	}
	if headers == nil {
		headers = stealth.NewRandomizer()
	}
	return &Broker{
		config:     config,
		logger:     logging.OrNop(logger),
		cache:      store,
		dispatcher: dispatcher,
		pool:       pool,
		headers:    headers,
		metrics:    nopMetrics{},
	}
}

// SetMetrics registers an operation metrics sink. Must be called before
// traffic starts.
func (b *Broker) SetMetrics(m Metrics) {
	if m == nil {
		return
	}
	b.metrics = m
}

// Status reports gateway availability. Cached briefly so status polling from
// the UI does not hammer the dispatcher.
func (b *Broker) Status(ctx context.Context) (*StatusResult, error) {
	sub := dispatch.Submission{Operation: "status", Method: http.MethodGet, Path: "status", Priority: PriorityControl}
	value, err := b.run(ctx, "status", sub, b.config.StatusTTL)
	if err != nil {
		return nil, err
	}
	var result StatusResult
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, b.translate("status", decodeError("status", err))
	}
	return &result, nil
}

// Connect establishes the gateway session. Never cached.
func (b *Broker) Connect(ctx context.Context) (*ConnectResult, error) {
	sub := dispatch.Submission{Operation: "connect", Method: http.MethodPost, Path: "connect", Priority: PriorityControl}
	value, err := b.run(ctx, "connect", sub, 0)
	if err != nil {
		return nil, err
	}

	// Gateways answer either {success: bool} or {status: "connected"}.
	var wire struct {
		Success   *bool  `json:"success"`
		Connected *bool  `json:"connected"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(value, &wire); err != nil {
		return nil, b.translate("connect", decodeError("connect", err))
	}
	connected := wire.Status == "connected" ||
		(wire.Success != nil && *wire.Success) ||
		(wire.Connected != nil && *wire.Connected)
	return &ConnectResult{Connected: connected, Status: wire.Status}, nil
}

// Query sends a content query and returns the answer text.
func (b *Broker) Query(ctx context.Context, query string) (string, error) {
	if err := validateQuery(query); err != nil {
		return "", b.reject("query", err)
	}
	payload, err := json.Marshal(QueryRequest{Query: strings.TrimSpace(query)})
	if err != nil {
		return "", b.reject("query", err)
	}

	sub := dispatch.Submission{Operation: "query", Method: http.MethodPost, Path: "query", Payload: payload, Priority: PriorityQuery}
	value, err := b.run(ctx, "query", sub, b.config.QueryTTL)
	if err != nil {
		return "", err
	}
	var result QueryResponse
	if err := json.Unmarshal(value, &result); err != nil {
		return "", b.translate("query", decodeError("query", err))
	}
	return result.Content, nil
}

// ExploreTopic runs a discovery crawl around a topic. Results move slowly,
// so they cache for a long time.
func (b *Broker) ExploreTopic(ctx context.Context, topic string, depth int) (json.RawMessage, error) {
	if err := validateExplore(topic, depth); err != nil {
		return nil, b.reject("explore", err)
	}
	payload, err := json.Marshal(ExploreRequest{Topic: strings.TrimSpace(topic), Depth: depth})
	if err != nil {
		return nil, b.reject("explore", err)
	}

	sub := dispatch.Submission{Operation: "explore", Method: http.MethodPost, Path: "explore", Payload: payload, Priority: PriorityBackground}
	return b.run(ctx, "explore", sub, b.config.ExploreTTL)
}

// FetchLogs returns recent gateway log lines.
func (b *Broker) FetchLogs(ctx context.Context) ([]string, error) {
	sub := dispatch.Submission{Operation: "logs", Method: http.MethodGet, Path: "logs", Priority: PriorityBackground}
	value, err := b.run(ctx, "logs", sub, b.config.LogsTTL)
	if err != nil {
		return nil, err
	}
	var result LogsResponse
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, b.translate("logs", decodeError("logs", err))
	}
	return result.Logs, nil
}

// GetCircuitInfo reports the gateway's channel table. Always fetched fresh:
// rotation state changes underneath the caller.
func (b *Broker) GetCircuitInfo(ctx context.Context) (json.RawMessage, error) {
	sub := dispatch.Submission{Operation: "circuit", Method: http.MethodGet, Path: "circuit", Priority: PriorityControl}
	return b.run(ctx, "circuit", sub, 0)
}

// LocalCircuits reports the broker's own pool state, as opposed to the
// gateway-side view from GetCircuitInfo.
func (b *Broker) LocalCircuits() []circuit.Info {
	return b.pool.Snapshot()
}

// RotateCircuit asks the gateway to rebuild a channel, then mirrors the
// rotation on the local pool and drops cached answers that may have traveled
// through the old route.
func (b *Broker) RotateCircuit(ctx context.Context, circuitID int) error {
	if circuitID < 0 || circuitID >= b.pool.Size() {
		return b.reject("rotate_circuit", fmt.Errorf("circuit id must be between 0 and %d, got %d", b.pool.Size()-1, circuitID))
	}
	payload, err := json.Marshal(RotateRequest{CircuitID: circuitID})
	if err != nil {
		return b.reject("rotate_circuit", err)
	}

	sub := dispatch.Submission{Operation: "rotate_circuit", Method: http.MethodPost, Path: "circuit/rotate", Payload: payload, Priority: PriorityControl}
	if _, err := b.run(ctx, "rotate_circuit", sub, 0); err != nil {
		return err
	}

	_ = b.pool.Rotate(circuitID, circuit.RotationManual)
	b.cache.InvalidatePrefix("status:")
	b.cache.InvalidatePrefix("circuit:")
	return nil
}

// SubmitJob submits an ephemeral crawl job and returns its id. Identity
// fields left blank are filled from the header randomizer so every job
// carries a plausible browser fingerprint.
func (b *Broker) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	if err := validateJobSpec(spec); err != nil {
		return "", b.reject("submit_job", err)
	}
	if spec.Timeout == 0 {
		spec.Timeout = b.config.DefaultJobTimeout
	}
	if spec.UserAgent == "" || spec.AcceptLanguage == "" {
		identity := b.headers.Generate()
		if spec.UserAgent == "" {
			spec.UserAgent = identity.UserAgent
		}
		if spec.AcceptLanguage == "" {
			spec.AcceptLanguage = identity.AcceptLanguage
		}
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", b.reject("submit_job", err)
	}

	sub := dispatch.Submission{Operation: "submit_job", Method: http.MethodPost, Path: "jobs/ephemeral", Payload: payload, Priority: PriorityQuery}
	value, err := b.run(ctx, "submit_job", sub, 0)
	if err != nil {
		return "", err
	}
	var result JobSubmitResponse
	if err := json.Unmarshal(value, &result); err != nil {
		return "", b.translate("submit_job", decodeError("submit_job", err))
	}
	if result.JobID == "" {
		return "", b.translate("submit_job", samerrors.NewTransientError(fmt.Errorf("gateway did not return a job id"), ""))
	}
	return result.JobID, nil
}

// PollJob reports the current state of an ephemeral job. Cached for a few
// seconds to absorb aggressive polling loops.
func (b *Broker) PollJob(ctx context.Context, jobID string) (*JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, b.reject("poll_job", fmt.Errorf("job id must not be empty"))
	}

	sub := dispatch.Submission{
		Operation: "poll_job",
		Method:    http.MethodGet,
		Path:      "jobs/ephemeral/" + url.PathEscape(jobID),
		Priority:  PriorityControl,
	}
	value, err := b.run(ctx, "poll_job", sub, b.config.JobStatusTTL)
	if err != nil {
		return nil, err
	}
	var result JobStatus
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, b.translate("poll_job", decodeError("poll_job", err))
	}
	if result.JobID == "" {
		result.JobID = jobID
	}
	return &result, nil
}

// DispatcherStats exposes scheduler counters for the status surfaces.
func (b *Broker) DispatcherStats() dispatch.Stats {
	return b.dispatcher.Stats()
}

// CacheEntries reports how many responses are currently cached.
func (b *Broker) CacheEntries() int {
	return b.cache.Len()
}

// run resolves one operation: cache lookup, then dispatch, then cache fill.
// A ttl of zero or less means the operation is never cached.
func (b *Broker) run(ctx context.Context, op string, sub dispatch.Submission, ttl time.Duration) (json.RawMessage, error) {
	key := cacheKey(op, sub)
	if ttl > 0 {
		if raw, ok := b.cache.Lookup(key); ok {
			if value, ok := raw.(json.RawMessage); ok {
				b.metrics.RecordCacheLookup(ctx, op, true)
				b.metrics.RecordOperation(ctx, op, "cached", 0)
				b.logger.Debug("%s served from cache", op)
				return value, nil
			}
		}
		b.metrics.RecordCacheLookup(ctx, op, false)
	}

	b.metrics.IncrementActiveOperations(ctx)
	start := time.Now()
	future, err := b.dispatcher.Enqueue(sub)
	if err != nil {
		b.metrics.DecrementActiveOperations(ctx)
		b.metrics.RecordOperation(ctx, op, "error", time.Since(start))
		return nil, b.translate(op, err)
	}
	value, err := future.Wait(ctx)
	b.metrics.DecrementActiveOperations(ctx)
	if err != nil {
		b.metrics.RecordOperation(ctx, op, "error", time.Since(start))
		return nil, b.translate(op, err)
	}
	b.metrics.RecordOperation(ctx, op, "ok", time.Since(start))
	if ttl > 0 {
		b.cache.Store(key, value, ttl)
	}
	return value, nil
}

// cacheKey derives a deterministic key from an operation and its inputs.
// Payloads are marshaled from fixed structs, so byte equality implies input
// equality.
func cacheKey(op string, sub dispatch.Submission) string {
	return op + ":" + sub.Method + ":" + sub.Path + ":" + string(sub.Payload)
}

// translate converts an internal failure into the caller-facing form without
// leaking transport detail.
func (b *Broker) translate(op string, err error) error {
	return NewOperationError(op, samerrors.FormatForUser(err), err)
}

// reject wraps a synchronous validation failure. The message is already
// caller-safe; the cause is tagged ErrInvalidInput so status mapping keys on
// the tag, not on message text that may echo caller input.
func (b *Broker) reject(op string, err error) error {
	return NewOperationError(op, err.Error(), fmt.Errorf("%w: %w", samerrors.ErrInvalidInput, err))
}

func decodeError(op string, err error) error {
	return samerrors.NewTransientError(fmt.Errorf("decode %s response: %w", op, err), "")
}
