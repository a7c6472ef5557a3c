package darksim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// runWorker advances jobs on a fixed interval until ctx is done.
func (s *Simulator) runWorker(ctx context.Context) {
	ticker := time.NewTicker(s.config.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stepJobs()
		}
	}
}

// stepJobs promotes the oldest accepted job and advances every running job
// by one progress step.
func (s *Simulator) stepJobs() {
	if job, err := s.store.NextAccepted(); err == nil {
		s.appendLog("job %s started (%d urls, depth %d)", job.ID, len(job.URLs), job.Depth)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("Failed to promote accepted job: %v", err)
	}

	running, err := s.store.ListRunning()
	if err != nil {
		s.logger.Warn("Failed to list running jobs: %v", err)
		return
	}
	for i := range running {
		s.advanceJob(&running[i])
	}
}

func (s *Simulator) advanceJob(job *Job) {
	progress := job.Progress + s.config.ProgressStep
	if progress < 1.0 {
		if err := s.store.UpdateProgress(job.ID, progress); err != nil {
			s.logger.Warn("Failed to update job %s: %v", job.ID, err)
		}
		return
	}

	if s.roll() < s.config.FailureRate {
		reason := fmt.Sprintf("crawl aborted after %d of %d urls: circuit closed",
			s.intn(len(job.URLs))+1, len(job.URLs))
		if err := s.store.FailJob(job.ID, reason); err != nil {
			s.logger.Warn("Failed to fail job %s: %v", job.ID, err)
			return
		}
		s.appendLog("job %s failed: %s", job.ID, reason)
		return
	}

	results := s.fabricateResults(job)
	payload, err := json.Marshal(results)
	if err != nil {
		s.logger.Warn("Failed to encode results for job %s: %v", job.ID, err)
		return
	}
	if err := s.store.CompleteJob(job.ID, payload); err != nil {
		s.logger.Warn("Failed to complete job %s: %v", job.ID, err)
		return
	}
	s.appendLog("job %s done (%d pages, %d chunks)", job.ID, len(results.Pages), results.ChunksIngested)
}

func (s *Simulator) fabricateResults(job *Job) CrawlResults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildCrawlResults(s.rng, job)
}

func (s *Simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
