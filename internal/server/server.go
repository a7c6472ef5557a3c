// Package server exposes the broker facade to the chat UI: a JSON API
// mirroring the facade operations, a WebSocket stream of circuit and
// dispatch lifecycle events, and a health surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"samgpt/internal/circuit"
	"samgpt/internal/config"
	"samgpt/internal/darkweb"
	"samgpt/internal/dispatch"
	"samgpt/internal/logging"
	"samgpt/internal/observability"
)

// Facade is the broker operation surface the HTTP layer exposes.
type Facade interface {
	Status(ctx context.Context) (*darkweb.StatusResult, error)
	Connect(ctx context.Context) (*darkweb.ConnectResult, error)
	Query(ctx context.Context, query string) (string, error)
	ExploreTopic(ctx context.Context, topic string, depth int) (json.RawMessage, error)
	FetchLogs(ctx context.Context) ([]string, error)
	GetCircuitInfo(ctx context.Context) (json.RawMessage, error)
	LocalCircuits() []circuit.Info
	RotateCircuit(ctx context.Context, circuitID int) error
	SubmitJob(ctx context.Context, spec darkweb.JobSpec) (string, error)
	PollJob(ctx context.Context, jobID string) (*darkweb.JobStatus, error)
	DispatcherStats() dispatch.Stats
	CacheEntries() int
}

var _ Facade = (*darkweb.Broker)(nil)

// Server is the UI-facing HTTP front of the broker.
type Server struct {
	config     config.ServerConfig
	logger     logging.Logger
	facade     Facade
	hub        *Hub
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

// New builds the server over a facade. obs may be nil; the middleware then
// degrades to latency logging only.
func New(cfg config.ServerConfig, facade Facade, obs *observability.Observability, logger logging.Logger) *Server {
	logger = logging.OrNop(logger)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(ObservabilityMiddleware(obs, logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		config: cfg,
		logger: logger,
		facade: facade,
		hub:    NewHub(logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		startedAt: time.Now(),
	}
	if obs != nil {
		s.hub.SetMetrics(obs.Metrics)
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Hub returns the event stream hub so event producers can be wired to it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the HTTP surface for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Broker API listening on http://%s", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown drops event stream clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// originChecker builds the WebSocket origin filter from the CORS allow list.
// Requests without an Origin header (curl, tests) always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}
