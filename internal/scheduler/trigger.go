package scheduler

import "samgpt/internal/config"

// Trigger represents a scheduled sweep trigger.
type Trigger struct {
	Name     string   // unique trigger name (e.g. "nightly_marketplace_sweep")
	Schedule string   // cron expression
	Kind     string   // facade operation: explore | job
	Topic    string   // topic for explore triggers
	Depth    int      // crawl depth, 1-3
	URLs     []string // seed urls for job triggers
	Timeout  int      // per-job timeout seconds, 0 uses the broker default
}

// IsJob returns true if the trigger submits an ephemeral crawl job.
func (t Trigger) IsJob() bool {
	return t.Kind == config.TriggerKindJob
}
