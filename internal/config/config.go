// Package config loads and validates the broker process configuration.
//
// Configuration is a single YAML file with one top-level key per component,
// overridable from the environment with the SAMGPT_ prefix
// (SAMGPT_SERVER_PORT, SAMGPT_TRANSPORT_BASE_URL, ...).
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"samgpt/internal/cache"
	"samgpt/internal/circuit"
	"samgpt/internal/darksim"
	"samgpt/internal/darkweb"
	"samgpt/internal/dispatch"
	"samgpt/internal/observability"
)

// Config is the root configuration for the broker process. The simulator
// section is read by the darkweb-sim binary only; both binaries share one
// file so a local stack needs a single config.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Broker        darkweb.Config          `yaml:"broker"`
	Transport     darkweb.TransportConfig `yaml:"transport"`
	Pool          circuit.Config          `yaml:"pool"`
	Dispatcher    dispatch.Config         `yaml:"dispatcher"`
	Cache         cache.Config            `yaml:"cache"`
	Observability observability.Config    `yaml:"observability"`
	Scheduler     SchedulerConfig         `yaml:"scheduler"`
	Simulator     darksim.Config          `yaml:"simulator"`
}

// ServerConfig configures the broker HTTP API.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// WriteTimeout of zero keeps long-lived event streams open.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port the HTTP server binds.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Validate checks the server settings.
func (s ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// SchedulerConfig configures time-based exploration sweeps.
type SchedulerConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Triggers          []TriggerConfig `yaml:"triggers"`
	TriggerTimeout    time.Duration   `yaml:"trigger_timeout"`
	ConcurrencyPolicy string          `yaml:"concurrency_policy"`
}

// Validate checks the scheduler settings. Triggers are only validated when
// the scheduler is enabled so a disabled stale section cannot block startup.
func (s SchedulerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.TriggerTimeout < 0 {
		return errors.New("trigger_timeout must not be negative")
	}
	seen := make(map[string]bool, len(s.Triggers))
	for _, t := range s.Triggers {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate trigger name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Trigger kinds.
const (
	TriggerKindExplore = "explore"
	TriggerKindJob     = "job"
)

// TriggerConfig describes one scheduled trigger.
type TriggerConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	// Kind selects the facade operation: explore runs a topic exploration,
	// job submits an ephemeral crawl job.
	Kind    string   `yaml:"kind"`
	Topic   string   `yaml:"topic"`
	Depth   int      `yaml:"depth"`
	URLs    []string `yaml:"urls"`
	Timeout int      `yaml:"timeout"`
}

// Validate checks a single trigger definition.
func (t TriggerConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("trigger name is required")
	}
	if strings.TrimSpace(t.Schedule) == "" {
		return fmt.Errorf("trigger %q: schedule is required", t.Name)
	}
	switch t.Kind {
	case TriggerKindExplore:
		if strings.TrimSpace(t.Topic) == "" {
			return fmt.Errorf("trigger %q: explore triggers need a topic", t.Name)
		}
	case TriggerKindJob:
		if len(t.URLs) == 0 {
			return fmt.Errorf("trigger %q: job triggers need at least one url", t.Name)
		}
	default:
		return fmt.Errorf("trigger %q: unknown kind %q", t.Name, t.Kind)
	}
	if t.Depth < 0 {
		return fmt.Errorf("trigger %q: depth must not be negative", t.Name)
	}
	return nil
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
		},
		Broker:        darkweb.DefaultConfig(),
		Transport:     darkweb.DefaultTransportConfig(),
		Pool:          circuit.DefaultConfig(),
		Dispatcher:    dispatch.DefaultConfig(),
		Cache:         cache.DefaultConfig(),
		Observability: observability.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled:           false,
			TriggerTimeout:    5 * time.Minute,
			ConcurrencyPolicy: "skip",
		},
		Simulator: darksim.DefaultConfig(),
	}
}

// Validate checks the settings this package owns plus basic sanity of the
// embedded component sections. Zero values are fine; the component
// constructors fill in their own defaults.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool: size %d must not be negative", c.Pool.Size)
	}
	if c.Dispatcher.MaxConcurrency < 0 {
		return fmt.Errorf("dispatcher: max_concurrency %d must not be negative", c.Dispatcher.MaxConcurrency)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache: max_entries %d must not be negative", c.Cache.MaxEntries)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Simulator.Validate(); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	return nil
}

func (c Config) validateTransport() error {
	if c.Transport.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.Transport.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base_url has no host")
	}
	return nil
}
