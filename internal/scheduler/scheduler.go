// Package scheduler runs time-based exploration sweeps against the broker
// facade using cron triggers.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"samgpt/internal/config"
	"samgpt/internal/logging"
	"samgpt/internal/notify"

	"github.com/robfig/cron/v3"
)

// Config holds scheduler configuration.
type Config struct {
	Enabled           bool
	Triggers          []config.TriggerConfig
	TriggerTimeout    time.Duration
	ConcurrencyPolicy string
}

// Scheduler manages time-based triggers using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	broker   Broker
	notifier notify.Notifier
	config   Config
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID // trigger name → cron entry
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a new Scheduler.
func New(cfg Config, broker Broker, notifier notify.Notifier, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Scheduler{
		cron:     newCron(cfg, logger),
		broker:   broker,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newCron(cfg Config, logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	options := []cron.Option{cron.WithParser(parser)}
	policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy))
	var wrapper cron.JobWrapper
	switch policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("Scheduler: unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	options = append(options, cron.WithChain(wrapper))
	return cron.New(options...)
}

// Start registers all triggers and starts the cron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.config.Triggers {
		depth := t.Depth
		if depth == 0 {
			depth = 1
		}
		trigger := Trigger{
			Name:     t.Name,
			Schedule: t.Schedule,
			Kind:     t.Kind,
			Topic:    t.Topic,
			Depth:    depth,
			URLs:     t.URLs,
			Timeout:  t.Timeout,
		}
		if err := s.registerTrigger(trigger); err != nil {
			s.logger.Warn("Scheduler: failed to register trigger %q: %v", t.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started with %d triggers", len(s.entryIDs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Scheduler stopping...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Scheduler stopped")
	})
}

// Done returns a channel that is closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// registerTrigger adds a single trigger to the cron scheduler.
// Must be called with s.mu held.
func (s *Scheduler) registerTrigger(trigger Trigger) error {
	if _, exists := s.entryIDs[trigger.Name]; exists {
		return nil // already registered
	}

	if trigger.Schedule == "" {
		return fmt.Errorf("trigger %q has no schedule", trigger.Name)
	}

	// Capture trigger for closure
	t := trigger
	entryID, err := s.cron.AddFunc(t.Schedule, func() {
		s.executeTrigger(t)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", trigger.Name, err)
	}

	s.entryIDs[trigger.Name] = entryID
	s.logger.Info("Scheduler: registered trigger %q (schedule=%s kind=%s)", trigger.Name, trigger.Schedule, trigger.Kind)
	return nil
}

// TriggerCount returns the number of registered triggers.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// TriggerNames returns the names of all registered triggers.
func (s *Scheduler) TriggerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}
