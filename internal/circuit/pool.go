package circuit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	samerrors "samgpt/internal/errors"
	"samgpt/internal/logging"
)

const (
	defaultPoolSize          = 3
	defaultBasePort          = 9050
	defaultRotationThreshold = 8
	defaultCooldown          = 30 * time.Second
	defaultRotationInterval  = 10 * time.Minute
	defaultRotationJitter    = 0.2
	defaultRotatingPulse     = 2 * time.Second
)

// Config configures the circuit pool.
type Config struct {
	// Size is the fixed number of circuits, created at startup.
	Size int `yaml:"size"`
	// BasePort is the local port assigned to circuit 0; circuit i gets BasePort+i.
	BasePort int `yaml:"base_port"`
	// RotationThreshold rotates a circuit once it has served this many
	// requests since its last rotation.
	RotationThreshold int `yaml:"rotation_threshold"`
	// Cooldown is how long a circuit stays unselectable after retry exhaustion.
	Cooldown time.Duration `yaml:"cooldown"`
	// RotationInterval is the base period of the per-circuit rotation timer.
	RotationInterval time.Duration `yaml:"rotation_interval"`
	// RotationJitter scales each timer period by [1-j, 1+j].
	RotationJitter float64 `yaml:"rotation_jitter"`
	// RotatingPulse is how long the transient rotating status is visible.
	RotatingPulse time.Duration `yaml:"rotating_pulse"`
}

// DefaultConfig returns the reference pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:              defaultPoolSize,
		BasePort:          defaultBasePort,
		RotationThreshold: defaultRotationThreshold,
		Cooldown:          defaultCooldown,
		RotationInterval:  defaultRotationInterval,
		RotationJitter:    defaultRotationJitter,
		RotatingPulse:     defaultRotatingPulse,
	}
}

// NoExclusion is passed to Select when no circuit needs to be avoided.
const NoExclusion = -1

// Pool owns all circuit state. Selection, marking and rotation go through its
// mutex; callers never hold references into the pool.
type Pool struct {
	config Config
	logger logging.Logger
	clock  clock.Clock

	mu       sync.Mutex
	circuits []*circuitState
	rng      *rand.Rand
	sink     func(Event)
}

// NewPool creates a pool with the given config.
func NewPool(config Config, logger logging.Logger) *Pool {
	return NewPoolWithClock(config, logger, clock.New())
}

// NewPoolWithClock creates a pool with an injected clock for tests.
func NewPoolWithClock(config Config, logger logging.Logger, clk clock.Clock) *Pool {
	if config.Size <= 0 {
		config.Size = defaultPoolSize
	}
	if config.BasePort <= 0 {
		config.BasePort = defaultBasePort
	}
	if config.RotationThreshold <= 0 {
		config.RotationThreshold = defaultRotationThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.RotationInterval <= 0 {
		config.RotationInterval = defaultRotationInterval
	}
	if config.RotatingPulse <= 0 {
		config.RotatingPulse = defaultRotatingPulse
	}

	circuits := make([]*circuitState, config.Size)
	for i := range circuits {
		circuits[i] = &circuitState{
			id:   i,
			port: config.BasePort + i,
		}
	}

	return &Pool{
		config:   config,
		logger:   logging.OrNop(logger),
		clock:    clk,
		circuits: circuits,
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// SetEventSink registers a listener for pool lifecycle events. Must be called
// before traffic starts; the sink is invoked outside the pool lock.
func (p *Pool) SetEventSink(sink func(Event)) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *Pool) emit(events ...Event) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}
	for _, e := range events {
		sink(e)
	}
}

// Size reports the fixed number of circuits.
func (p *Pool) Size() int {
	return len(p.circuits)
}

// Select picks the circuit for the next dispatch. Circuits that are cooling,
// busy, rotating or equal to excluding are filtered out and the
// least-recently-used of the remainder wins. When nothing is selectable the
// pool degrades to the least-recently-used circuit regardless of its state
// rather than failing the request outright.
func (p *Pool) Select(excluding int) (int, error) {
	now := p.clock.Now()

	p.mu.Lock()

	if len(p.circuits) == 0 {
		p.mu.Unlock()
		return NoExclusion, samerrors.ErrPoolExhausted
	}

	var best *circuitState
	for _, c := range p.circuits {
		if c.id == excluding {
			continue
		}
		if c.statusAt(now) != StatusReady {
			continue
		}
		if best == nil || c.lastUsedAt.Before(best.lastUsedAt) {
			best = c
		}
	}

	if best != nil {
		id := best.id
		p.mu.Unlock()
		return id, nil
	}

	// Degraded path: every candidate is cooling, rotating or busy. Pick the
	// least-recently-used circuit anyway, still avoiding the excluded one
	// when the pool has an alternative.
	for _, c := range p.circuits {
		if c.id == excluding && len(p.circuits) > 1 {
			continue
		}
		if best == nil || c.lastUsedAt.Before(best.lastUsedAt) {
			best = c
		}
	}

	id := best.id
	status := best.statusAt(now)
	p.mu.Unlock()

	p.logger.Warn("no ready circuit available, degrading to circuit %d (%s)", id, status)
	p.emit(Event{Type: EventDegradedSelection, CircuitID: id, At: now})
	return id, nil
}

// MarkBusy records the start of one in-flight transport call on the circuit.
func (p *Pool) MarkBusy(id int) error {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.byID(id)
	if err != nil {
		return err
	}
	c.inflight++
	c.requestCount++
	c.totalRequests++
	c.lastUsedAt = now
	return nil
}

// MarkReady records the end of one in-flight transport call. The circuit
// returns to ready unless a cooldown or rotation pulse is pending.
func (p *Pool) MarkReady(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.byID(id)
	if err != nil {
		return err
	}
	if c.inflight > 0 {
		c.inflight--
	}
	return nil
}

// Cooldown makes the circuit unselectable for d. It self-clears afterwards.
func (p *Pool) Cooldown(id int, d time.Duration) error {
	if d <= 0 {
		d = p.config.Cooldown
	}
	now := p.clock.Now()

	p.mu.Lock()
	c, err := p.byID(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	c.cooldownUntil = now.Add(d)
	p.mu.Unlock()

	p.logger.Info("circuit %d entering cooldown for %s", id, d)
	p.emit(Event{Type: EventCooldownStarted, CircuitID: id, At: now})

	p.clock.AfterFunc(d, func() {
		cleared := p.clearCooldown(id)
		if cleared {
			p.logger.Debug("circuit %d cooldown cleared", id)
			p.emit(Event{Type: EventCooldownCleared, CircuitID: id, At: p.clock.Now()})
		}
	})
	return nil
}

// clearCooldown reports whether the circuit's cooldown deadline has passed.
// The deadline itself drives selectability; this only settles the bookkeeping
// so a cooldown extended by a later failure is not cleared early.
func (p *Pool) clearCooldown(id int) bool {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.byID(id)
	if err != nil {
		return false
	}
	return !now.Before(c.cooldownUntil)
}

// Rotate resets the circuit's usage counter and pulses the rotating status.
func (p *Pool) Rotate(id int, reason RotationReason) error {
	now := p.clock.Now()

	p.mu.Lock()
	c, err := p.byID(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	c.requestCount = 0
	c.rotations++
	c.rotatingUntil = now.Add(p.config.RotatingPulse)
	rotations := c.rotations
	p.mu.Unlock()

	p.logger.Info("circuit %d rotated (%s, rotation #%d)", id, reason, rotations)
	p.emit(Event{Type: EventRotated, CircuitID: id, Reason: reason, At: now})
	return nil
}

// RotateIfOverused rotates the circuit when its request count has reached the
// configured threshold. Called by the dispatcher after each successful call.
func (p *Pool) RotateIfOverused(id int) bool {
	p.mu.Lock()
	c, err := p.byID(id)
	if err != nil {
		p.mu.Unlock()
		return false
	}
	overused := c.requestCount >= p.config.RotationThreshold
	p.mu.Unlock()

	if !overused {
		return false
	}
	if err := p.Rotate(id, RotationThreshold); err != nil {
		return false
	}
	return true
}

// Status reports the circuit's current derived status.
func (p *Pool) Status(id int) (Status, error) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.byID(id)
	if err != nil {
		return StatusReady, err
	}
	return c.statusAt(now), nil
}

// RequestCount reports requests served since the circuit's last rotation.
func (p *Pool) RequestCount(id int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.byID(id)
	if err != nil {
		return 0, err
	}
	return c.requestCount, nil
}

// Snapshot returns the externally visible state of every circuit.
func (p *Pool) Snapshot() []Info {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.circuits))
	for _, c := range p.circuits {
		info := Info{
			ID:            c.id,
			Port:          c.port,
			Status:        c.statusAt(now).String(),
			LastUsedAt:    c.lastUsedAt,
			RequestCount:  c.requestCount,
			TotalRequests: c.totalRequests,
			Rotations:     c.rotations,
		}
		if now.Before(c.cooldownUntil) {
			until := c.cooldownUntil
			info.CooldownUntil = &until
		}
		infos = append(infos, info)
	}
	return infos
}

// Run drives the per-circuit scheduled rotation timers until ctx is done.
// Each circuit gets its own jittered period so rotations do not line up
// across the pool.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.circuits {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.rotationLoop(ctx, id)
		}(c.id)
	}
	wg.Wait()
}

func (p *Pool) rotationLoop(ctx context.Context, id int) {
	for {
		timer := p.clock.Timer(p.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.scheduledRotate(id)
		}
	}
}

// scheduledRotate skips circuits that are mid-call; the next timer cycle will
// catch them between requests.
func (p *Pool) scheduledRotate(id int) {
	p.mu.Lock()
	c, err := p.byID(id)
	if err != nil {
		p.mu.Unlock()
		return
	}
	busy := c.inflight > 0
	p.mu.Unlock()

	if busy {
		p.logger.Debug("scheduled rotation of circuit %d skipped while in flight", id)
		return
	}
	_ = p.Rotate(id, RotationScheduled)
}

func (p *Pool) jitteredInterval() time.Duration {
	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	jitter := p.config.RotationJitter
	if jitter <= 0 {
		return p.config.RotationInterval
	}
	factor := 1 - jitter + roll*2*jitter
	return time.Duration(float64(p.config.RotationInterval) * factor)
}

func (p *Pool) byID(id int) (*circuitState, error) {
	if id < 0 || id >= len(p.circuits) {
		return nil, fmt.Errorf("unknown circuit %d", id)
	}
	return p.circuits[id], nil
}
