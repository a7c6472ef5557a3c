package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"samgpt/internal/darkweb"
	samerrors "samgpt/internal/errors"
	"samgpt/internal/version"
)

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api/broker")
	api.GET("/status", s.handleStatus)
	api.POST("/connect", s.handleConnect)
	api.POST("/query", s.handleQuery)
	api.POST("/explore", s.handleExplore)
	api.GET("/logs", s.handleLogs)
	api.GET("/circuits", s.handleCircuits)
	api.POST("/circuits/rotate", s.handleRotate)
	api.POST("/jobs", s.handleSubmitJob)
	api.GET("/jobs/:jobId", s.handlePollJob)
	api.GET("/events", s.handleEvents)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       version.Version,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"dispatcher":    s.facade.DispatcherStats(),
		"cacheEntries":  s.facade.CacheEntries(),
		"eventClients":  s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.facade.Status(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status.Status, "available": status.Available()})
}

func (s *Server) handleConnect(c *gin.Context) {
	result, err := s.facade.Connect(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req darkweb.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query payload: " + err.Error()})
		return
	}

	content, err := s.facade.Query(c.Request.Context(), req.Query)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, darkweb.QueryResponse{Content: content})
}

func (s *Server) handleExplore(c *gin.Context) {
	var req darkweb.ExploreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid explore payload: " + err.Error()})
		return
	}

	result, err := s.facade.ExploreTopic(c.Request.Context(), req.Topic, req.Depth)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

func (s *Server) handleLogs(c *gin.Context) {
	logs, err := s.facade.FetchLogs(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, darkweb.LogsResponse{Logs: logs})
}

// handleCircuits reports both views of the transport channels: the broker's
// own pool and the gateway's table. A gateway fetch failure degrades to the
// local view instead of failing the request.
func (s *Server) handleCircuits(c *gin.Context) {
	response := gin.H{"local": s.facade.LocalCircuits()}

	gateway, err := s.facade.GetCircuitInfo(c.Request.Context())
	if err != nil {
		response["gatewayError"] = userMessage(err)
	} else {
		response["gateway"] = json.RawMessage(gateway)
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRotate(c *gin.Context) {
	var req darkweb.RotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rotate payload: " + err.Error()})
		return
	}

	if err := s.facade.RotateCircuit(c.Request.Context(), req.CircuitID); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"circuitId": req.CircuitID, "status": "rotated"})
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	var spec darkweb.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job payload: " + err.Error()})
		return
	}

	jobID, err := s.facade.SubmitJob(c.Request.Context(), spec)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, darkweb.JobSubmitResponse{JobID: jobID})
}

func (s *Server) handlePollJob(c *gin.Context) {
	status, err := s.facade.PollJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("Event stream upgrade failed: %v", err)
		return
	}
	s.hub.ServeConn(conn)
}

// renderError maps facade failures onto HTTP statuses: validation rejects
// are the caller's fault, transport failures are the gateway's.
func (s *Server) renderError(c *gin.Context, err error) {
	var status int
	var opErr *darkweb.OperationError

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	case errors.Is(err, samerrors.ErrDispatcherClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, samerrors.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, samerrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case samerrors.IsTransient(err) || samerrors.IsPermanent(err) || errors.Is(err, samerrors.ErrPoolExhausted):
		// Gateway-side 404s stay 404 so the UI poll loop can stop.
		if samerrors.StatusCode(err) == http.StatusNotFound {
			status = http.StatusNotFound
		} else {
			status = http.StatusBadGateway
		}
	case errors.As(err, &opErr):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{"error": userMessage(err)})
}

func userMessage(err error) string {
	var opErr *darkweb.OperationError
	if errors.As(err, &opErr) {
		return opErr.Message
	}
	return samerrors.FormatForUser(err)
}
