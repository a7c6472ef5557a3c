package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"samgpt/internal/logging"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed - normal operation, requests allowed
	BreakerClosed BreakerState = iota
	// BreakerOpen - failing, requests blocked
	BreakerOpen
	// BreakerHalfOpen - testing if service recovered
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior
type BreakerConfig struct {
	FailureThreshold int                                      // Consecutive failures to open (default: 5)
	SuccessThreshold int                                      // Consecutive half-open successes to close (default: 2)
	Timeout          time.Duration                            // Wait before attempting half-open (default: 30s)
	OnStateChange    func(from, to BreakerState, name string) // Optional callback
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker guards the backend endpoint as a whole. It is a different animal
// from the transport circuits in the pool: circuits diversify outbound calls,
// the breaker stops hammering an endpoint that keeps failing.
type Breaker struct {
	name   string
	config BreakerConfig
	logger logging.Logger
	clock  clock.Clock

	mu              sync.RWMutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(name string, config BreakerConfig, logger logging.Logger) *Breaker {
	return NewBreakerWithClock(name, config, logger, clock.New())
}

// NewBreakerWithClock creates a breaker with an injected clock for tests
func NewBreakerWithClock(name string, config BreakerConfig, logger logging.Logger, clk clock.Clock) *Breaker {
	return &Breaker{
		name:            name,
		config:          config,
		logger:          logging.OrNop(logger),
		clock:           clk,
		state:           BreakerClosed,
		lastStateChange: clk.Now(),
	}
}

// Allow checks whether a request can proceed under the circuit breaker.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if b.clock.Since(b.lastFailureTime) >= b.config.Timeout {
			b.setState(BreakerHalfOpen)
			b.successCount = 0
			b.logger.Info("[%s] circuit breaker transitioning to half-open (testing recovery)", b.name)
			return nil
		}
		remaining := b.config.Timeout - b.clock.Since(b.lastFailureTime)
		return &TransientError{
			Err:        fmt.Errorf("circuit breaker open for %s", b.name),
			RetryAfter: int(remaining.Seconds()) + 1,
		}

	case BreakerHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// Mark records a request outcome. Pass nil to mark success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		if b.failureCount > 0 {
			b.logger.Debug("[%s] success, resetting failure count", b.name)
			b.failureCount = 0
		}

	case BreakerHalfOpen:
		b.successCount++
		b.logger.Debug("[%s] success in half-open state (%d/%d)",
			b.name, b.successCount, b.config.SuccessThreshold)

		if b.successCount >= b.config.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("[%s] circuit breaker closed (service recovered)", b.name)
		}

	case BreakerOpen:
		b.logger.Warn("[%s] unexpected success in open state", b.name)
	}
}

func (b *Breaker) onFailure() {
	b.lastFailureTime = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		b.logger.Debug("[%s] failure in closed state (%d/%d)",
			b.name, b.failureCount, b.config.FailureThreshold)

		if b.failureCount >= b.config.FailureThreshold {
			b.setState(BreakerOpen)
			b.logger.Warn("[%s] circuit breaker opened (too many failures)", b.name)
		}

	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.successCount = 0
		b.logger.Warn("[%s] circuit breaker reopened (test failed)", b.name)

	case BreakerOpen:
		b.logger.Debug("[%s] failure while circuit open", b.name)
	}
}

func (b *Breaker) setState(newState BreakerState) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = b.clock.Now()

	if b.config.OnStateChange != nil {
		// Call in goroutine to avoid blocking under the lock
		go b.config.OnStateChange(oldState, newState, b.name)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// BreakerMetrics contains circuit breaker statistics
type BreakerMetrics struct {
	Name            string
	State           BreakerState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Metrics returns current circuit breaker metrics
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BreakerMetrics{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}
