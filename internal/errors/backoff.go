package errors

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for dispatched requests
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`   // Retries after the initial attempt (default: 3)
	BaseDelay    time.Duration `yaml:"base_delay"`    // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration `yaml:"max_delay"`     // Maximum delay between retries (default: 30s)
	JitterFactor float64       `yaml:"jitter_factor"` // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff calculates the delay before retry number retryCount using
// exponential backoff with jitter.
func Backoff(retryCount int, config RetryConfig) time.Duration {
	return BackoffWithRand(retryCount, config, nil)
}

// BackoffWithRand is Backoff with an injectable randomness source so callers
// can make delays deterministic in tests. A nil rng uses the global source.
func BackoffWithRand(retryCount int, config RetryConfig, rng *rand.Rand) time.Duration {
	// Exponential backoff: baseDelay * 2^retryCount
	// retry 0 -> 1s (2^0 = 1)
	// retry 1 -> 2s (2^1 = 2)
	// retry 2 -> 4s (2^2 = 4)
	multiplier := math.Pow(2, float64(retryCount))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	// Multiplicative jitter: factor 0.25 scales the delay by [0.75, 1.25].
	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		roll := rand.Float64()
		if rng != nil {
			roll = rng.Float64()
		}
		jitterAmount := (roll*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}
