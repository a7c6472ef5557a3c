package darksim

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"samgpt/internal/darkweb"
	"samgpt/internal/ident"
)

const (
	maxJobURLs   = 10
	maxCrawlSecs = 300
	minDepth     = 1
	maxDepth     = 3
)

func (s *Simulator) registerRoutes() {
	api := s.engine.Group("/api/dark-web")
	api.Use(s.injectionMiddleware())

	api.GET("/status", s.handleStatus)
	api.POST("/connect", s.handleConnect)
	api.POST("/query", s.handleQuery)
	api.POST("/explore", s.handleExplore)
	api.GET("/logs", s.handleLogs)
	api.GET("/circuit", s.handleCircuits)
	api.POST("/circuit/rotate", s.handleRotate)
	api.POST("/jobs/ephemeral", s.handleSubmitJob)
	api.GET("/jobs/ephemeral/:jobId", s.handleJobStatus)
}

// handleStatus reports availability. The gateway is "running" while a crawl
// job is active and "unavailable" when toggled down, which this endpoint
// still reports with 200 so probes can read the degraded state.
func (s *Simulator) handleStatus(c *gin.Context) {
	status := "available"
	if s.config.Unavailable {
		status = "unavailable"
	} else if running, err := s.store.CountByStatus(StatusRunning); err == nil && running > 0 {
		status = "running"
	}
	c.JSON(http.StatusOK, darkweb.StatusResult{Status: status})
}

func (s *Simulator) handleConnect(c *gin.Context) {
	s.appendLog("session established from %s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

func (s *Simulator) handleQuery(c *gin.Context) {
	var req darkweb.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query payload: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query must not be empty"})
		return
	}

	content := s.answer(req.Query)
	s.appendLog("query served: %q", truncate(req.Query, 48))
	c.JSON(http.StatusOK, darkweb.QueryResponse{Content: content})
}

func (s *Simulator) handleExplore(c *gin.Context) {
	var req darkweb.ExploreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid explore payload: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic must not be empty"})
		return
	}
	depth := req.Depth
	if depth == 0 {
		depth = minDepth
	}
	if depth < minDepth || depth > maxDepth {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth out of range"})
		return
	}

	sites := s.discoverSites(req.Topic, depth)
	s.appendLog("explored %q at depth %d, %d sites surfaced", req.Topic, depth, len(sites))
	c.JSON(http.StatusOK, ExploreResult{
		Topic:      req.Topic,
		Depth:      depth,
		Discovered: len(sites),
		Sites:      sites,
	})
}

func (s *Simulator) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, darkweb.LogsResponse{Logs: s.recentLogs(logTailSize)})
}

type circuitEntry struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	Hops       int    `json:"hops"`
	Port       int    `json:"port"`
	AgeSeconds int    `json:"ageSeconds"`
	Served     int    `json:"requestsServed"`
}

func (s *Simulator) handleCircuits(c *gin.Context) {
	now := time.Now()

	s.mu.Lock()
	entries := make([]circuitEntry, len(s.circuits))
	for i, record := range s.circuits {
		status := "established"
		if now.Sub(record.rotatedAt) < rebuildWindow {
			status = "rebuilding"
		}
		entries[i] = circuitEntry{
			ID:         i,
			Status:     status,
			Hops:       circuitHops,
			Port:       circuitBasePort + i,
			AgeSeconds: int(now.Sub(record.rotatedAt).Seconds()),
			Served:     record.served,
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"circuits": entries})
}

func (s *Simulator) handleRotate(c *gin.Context) {
	var req darkweb.RotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rotate payload: " + err.Error()})
		return
	}
	if req.CircuitID < 0 || req.CircuitID >= len(s.circuits) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown circuit id"})
		return
	}

	s.mu.Lock()
	s.circuits[req.CircuitID] = circuitRecord{rotatedAt: time.Now()}
	s.mu.Unlock()

	s.appendLog("circuit %d rotation requested, rebuilding", req.CircuitID)
	c.JSON(http.StatusOK, gin.H{"status": "rotating", "circuitId": req.CircuitID})
}

func (s *Simulator) handleSubmitJob(c *gin.Context) {
	var spec darkweb.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job payload: " + err.Error()})
		return
	}
	if len(spec.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job needs at least one url"})
		return
	}
	if len(spec.URLs) > maxJobURLs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many urls"})
		return
	}
	for _, raw := range spec.URLs {
		if err := darkweb.ValidateOnionURL(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	depth := spec.Depth
	if depth == 0 {
		depth = minDepth
	}
	if depth < minDepth || depth > maxDepth {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth out of range"})
		return
	}
	if spec.Timeout < 0 || spec.Timeout > maxCrawlSecs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout out of range"})
		return
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        ident.NewJobID(),
		Status:    StatusAccepted,
		URLs:      spec.URLs,
		Depth:     depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertJob(job); err != nil {
		s.logger.Error("Failed to store job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store job"})
		return
	}

	s.appendLog("job %s accepted (%d urls, depth %d)", job.ID, len(job.URLs), job.Depth)
	c.JSON(http.StatusOK, darkweb.JobSubmitResponse{JobID: job.ID})
}

func (s *Simulator) handleJobStatus(c *gin.Context) {
	job, err := s.store.GetJob(c.Param("jobId"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, darkweb.JobStatus{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Results:  job.Results,
		Error:    job.Error,
	})
}

func (s *Simulator) discoverSites(topic string, depth int) []Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generateSites(s.rng, topic, depth)
}

func (s *Simulator) answer(query string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return answerQuery(s.rng, query)
}
