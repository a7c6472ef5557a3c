package darkweb

import (
	"context"
	"time"
)

// Metrics receives facade-level operation outcomes. Implementations must be
// safe for concurrent use.
type Metrics interface {
	RecordOperation(ctx context.Context, operation, status string, latency time.Duration)
	RecordCacheLookup(ctx context.Context, operation string, hit bool)
	IncrementActiveOperations(ctx context.Context)
	DecrementActiveOperations(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordCacheLookup(context.Context, string, bool)                {}
func (nopMetrics) IncrementActiveOperations(context.Context)                      {}
func (nopMetrics) DecrementActiveOperations(context.Context)                      {}
