package observability

import (
	"context"
	"fmt"
)

// Observability bundles the logger, metrics and tracer wired through the
// broker process.
type Observability struct {
	Logger   *Logger
	Metrics  *MetricsCollector
	Pipeline *PipelineMetrics
	Tracer   *TracerProvider
	config   Config
}

// New creates a new observability instance from a config file path
func New(configPath string) (*Observability, error) {
	// Load configuration
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load observability config: %w", err)
	}
	return NewFromConfig(config), nil
}

// NewFromConfig creates a new observability instance from an already parsed
// configuration. Component failures degrade to no-ops rather than aborting
// startup.
func NewFromConfig(config Config) *Observability {
	// Initialize logger
	logger := NewLogger(LogConfig{
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
	})

	// Initialize metrics
	metrics, err := NewMetricsCollector(config.Metrics)
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		metrics = &MetricsCollector{}
	}

	// Initialize tracing
	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		tracer = &TracerProvider{}
	}

	logger.Info("Observability initialized",
		"log_level", config.Logging.Level,
		"metrics_enabled", config.Metrics.Enabled,
		"tracing_enabled", config.Tracing.Enabled,
	)

	return &Observability{
		Logger:   logger,
		Metrics:  metrics,
		Pipeline: NewPipelineMetrics(),
		Tracer:   tracer,
		config:   config,
	}
}

// Shutdown gracefully shuts down all observability components
func (o *Observability) Shutdown(ctx context.Context) error {
	o.Logger.Info("Shutting down observability")

	// Shutdown metrics
	if err := o.Metrics.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown metrics", "error", err)
	}

	// Shutdown tracing
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown tracing", "error", err)
	}

	return nil
}

// Config returns the current configuration
func (o *Observability) Config() Config {
	return o.config
}
