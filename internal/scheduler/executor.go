package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"samgpt/internal/config"
	"samgpt/internal/darkweb"
	"samgpt/internal/notify"
)

// Broker is the subset of the facade interface needed by the scheduler.
type Broker interface {
	ExploreTopic(ctx context.Context, topic string, depth int) (json.RawMessage, error)
	SubmitJob(ctx context.Context, spec darkweb.JobSpec) (string, error)
}

// executeTrigger runs a trigger against the broker facade and routes the result.
func (s *Scheduler) executeTrigger(trigger Trigger) {
	ctx := context.Background()
	if s.config.TriggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TriggerTimeout)
		defer cancel()
	}

	s.logger.Info("Scheduler: executing trigger %q (schedule=%s kind=%s)", trigger.Name, trigger.Schedule, trigger.Kind)

	start := time.Now()
	summary, err := s.runTrigger(ctx, trigger)
	elapsed := time.Since(start).Round(time.Millisecond)

	level, title, message := formatResult(trigger, summary, elapsed, err)
	s.notifier.Notify(level, title, message)

	if err != nil {
		s.logger.Warn("Scheduler: trigger %q failed after %s: %v", trigger.Name, elapsed, err)
		return
	}
	s.logger.Info("Scheduler: trigger %q completed in %s", trigger.Name, elapsed)
}

// runTrigger invokes the facade operation matching the trigger kind.
func (s *Scheduler) runTrigger(ctx context.Context, trigger Trigger) (string, error) {
	switch trigger.Kind {
	case config.TriggerKindExplore:
		result, err := s.broker.ExploreTopic(ctx, trigger.Topic, trigger.Depth)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("explored %q (%d bytes)", trigger.Topic, len(result)), nil
	case config.TriggerKindJob:
		spec := darkweb.JobSpec{
			URLs:    trigger.URLs,
			Depth:   trigger.Depth,
			Timeout: trigger.Timeout,
		}
		jobID, err := s.broker.SubmitJob(ctx, spec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("submitted crawl job %s (%d urls)", jobID, len(trigger.URLs)), nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q", trigger.Kind)
	}
}

// formatResult produces the notice describing the trigger execution.
func formatResult(trigger Trigger, summary string, elapsed time.Duration, err error) (notify.Level, string, string) {
	title := fmt.Sprintf("Scheduled sweep %q", trigger.Name)
	if err != nil {
		return notify.LevelError, title, fmt.Sprintf("failed after %s: %v", elapsed, err)
	}
	if summary == "" {
		return notify.LevelInfo, title, "completed (no result)"
	}
	return notify.LevelInfo, title, fmt.Sprintf("%s in %s", summary, elapsed)
}
