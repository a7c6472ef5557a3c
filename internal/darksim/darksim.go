// Package darksim runs a standalone dark web gateway simulator. It serves
// the same HTTP surface the broker transport speaks against, backed by a
// SQLite job store and fabricated crawl content, so the full stack can be
// exercised without a real Tor gateway.
package darksim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"samgpt/internal/logging"
)

// Config configures the gateway simulator.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DBPath         string        `yaml:"db_path"`
	Circuits       int           `yaml:"circuits"`
	FailureRate    float64       `yaml:"failure_rate"`
	MinLatency     time.Duration `yaml:"min_latency"`
	MaxLatency     time.Duration `yaml:"max_latency"`
	Unavailable    bool          `yaml:"unavailable"`
	WorkerInterval time.Duration `yaml:"worker_interval"`
	ProgressStep   float64       `yaml:"progress_step"`
	Seed           int64         `yaml:"seed"`
	Debug          bool          `yaml:"debug"`
}

// DefaultConfig returns simulator settings matching the broker's default
// transport endpoint.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8099,
		DBPath:         "darksim.db",
		Circuits:       3,
		FailureRate:    0,
		MinLatency:     50 * time.Millisecond,
		MaxLatency:     250 * time.Millisecond,
		WorkerInterval: 500 * time.Millisecond,
		ProgressStep:   0.25,
	}
}

// Validate checks the simulator settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("simulator port must be in 1..65535, got %d", c.Port)
	}
	if c.Circuits <= 0 {
		return fmt.Errorf("simulator needs at least one circuit, got %d", c.Circuits)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failure rate must be in [0, 1], got %g", c.FailureRate)
	}
	if c.MinLatency < 0 || c.MaxLatency < c.MinLatency {
		return fmt.Errorf("latency range [%s, %s] is invalid", c.MinLatency, c.MaxLatency)
	}
	if c.ProgressStep <= 0 || c.ProgressStep > 1 {
		return fmt.Errorf("progress step must be in (0, 1], got %g", c.ProgressStep)
	}
	return nil
}

// Simulator is the fake gateway: an HTTP listener, a job store and a worker
// that advances accepted jobs through the crawl lifecycle.
type Simulator struct {
	config Config
	logger logging.Logger
	store  *Store
	engine *gin.Engine
	server *http.Server

	mu       sync.Mutex
	rng      *rand.Rand
	logs     []string
	circuits []circuitRecord
}

type circuitRecord struct {
	rotatedAt time.Time
	served    int
}

const (
	logRingSize = 200
	logTailSize = 50

	// A rotated circuit reports "rebuilding" for this long.
	rebuildWindow = 2 * time.Second

	circuitBasePort = 9050
	circuitHops     = 3
)

// NewSimulator builds a simulator and opens its job store.
func NewSimulator(config Config, logger logging.Logger) (*Simulator, error) {
	if config.Port == 0 {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// Backdate the initial build so fresh circuits report "established"
	// rather than "rebuilding".
	builtAt := time.Now().Add(-rebuildWindow)
	circuits := make([]circuitRecord, config.Circuits)
	for i := range circuits {
		circuits[i].rotatedAt = builtAt
	}

	s := &Simulator{
		config:   config,
		logger:   logging.OrNop(logger),
		store:    store,
		rng:      rand.New(rand.NewSource(seed)),
		circuits: circuits,
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.appendLog("gateway simulator initialized (%d circuits)", config.Circuits)
	return s, nil
}

// Handler exposes the HTTP surface for in-process tests.
func (s *Simulator) Handler() http.Handler {
	return s.engine
}

// Addr returns the configured listen address.
func (s *Simulator) Addr() string {
	return s.server.Addr
}

// Start runs the listener and the job worker until ctx is cancelled.
func (s *Simulator) Start(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go s.runWorker(workerCtx)

	s.logger.Info("Dark web gateway simulator listening on http://%s/api/dark-web", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the listener and closes the job store.
func (s *Simulator) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// injectionMiddleware applies the configured latency and failure rate to
// every gateway request. The status endpoint stays reachable when the
// gateway is toggled unavailable so probes can read the degraded state.
func (s *Simulator) injectionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.sleepLatency(c.Request.Context())

		isStatus := c.FullPath() == "/api/dark-web/status"
		if s.config.Unavailable && !isStatus {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "gateway unavailable"})
			return
		}
		if s.roll() < s.config.FailureRate {
			s.appendLog("injected failure on %s", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "injected gateway failure"})
			return
		}

		s.recordCircuitUse(c.GetHeader("X-Circuit-ID"))
		c.Next()
	}
}

func (s *Simulator) sleepLatency(ctx context.Context) {
	min, max := s.config.MinLatency, s.config.MaxLatency
	if max <= 0 {
		return
	}
	delay := min
	if span := int64(max - min); span > 0 {
		delay += time.Duration(s.int63n(span))
	}
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// recordCircuitUse bumps the served counter for the circuit named in the
// request header, when one is present and in range.
func (s *Simulator) recordCircuitUse(header string) {
	if header == "" {
		return
	}
	id, err := strconv.Atoi(header)
	if err != nil || id < 0 || id >= len(s.circuits) {
		return
	}
	s.mu.Lock()
	s.circuits[id].served++
	s.mu.Unlock()
}

func (s *Simulator) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) int63n(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(n)
}

func (s *Simulator) appendLog(format string, args ...any) {
	line := fmt.Sprintf("%s %s",
		time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		fmt.Sprintf(format, args...))

	s.mu.Lock()
	s.logs = append(s.logs, line)
	if len(s.logs) > logRingSize {
		s.logs = s.logs[len(s.logs)-logRingSize:]
	}
	s.mu.Unlock()
}

// recentLogs returns a copy of the newest n log lines, oldest first.
func (s *Simulator) recentLogs(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if len(s.logs) > n {
		start = len(s.logs) - n
	}
	out := make([]string, len(s.logs)-start)
	copy(out, s.logs[start:])
	return out
}
