package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate, got: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9191
  allowed_origins:
    - http://localhost:8080
transport:
  base_url: http://127.0.0.1:9099/api/dark-web
pool:
  size: 5
  cooldown: 45s
dispatcher:
  max_concurrency: 4
  tick_interval: 250ms
broker:
  query_ttl: 3m
cache:
  max_entries: 256
scheduler:
  enabled: true
  trigger_timeout: 90s
  triggers:
    - name: nightly-sweep
      schedule: "0 3 * * *"
      kind: explore
      topic: marketplaces
      depth: 2
simulator:
  port: 9099
  failure_rate: 0.25
  min_latency: 10ms
  max_latency: 20ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9191 {
		t.Errorf("server = %s:%d, want 0.0.0.0:9191", cfg.Server.Host, cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:8080" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Transport.BaseURL != "http://127.0.0.1:9099/api/dark-web" {
		t.Errorf("transport.base_url = %s", cfg.Transport.BaseURL)
	}
	if cfg.Pool.Size != 5 {
		t.Errorf("pool.size = %d, want 5", cfg.Pool.Size)
	}
	if cfg.Pool.Cooldown != 45*time.Second {
		t.Errorf("pool.cooldown = %v, want 45s", cfg.Pool.Cooldown)
	}
	if cfg.Pool.BasePort != 9050 {
		t.Errorf("pool.base_port = %d, want default 9050", cfg.Pool.BasePort)
	}
	if cfg.Dispatcher.MaxConcurrency != 4 {
		t.Errorf("dispatcher.max_concurrency = %d, want 4", cfg.Dispatcher.MaxConcurrency)
	}
	if cfg.Dispatcher.TickInterval != 250*time.Millisecond {
		t.Errorf("dispatcher.tick_interval = %v, want 250ms", cfg.Dispatcher.TickInterval)
	}
	if cfg.Broker.QueryTTL != 3*time.Minute {
		t.Errorf("broker.query_ttl = %v, want 3m", cfg.Broker.QueryTTL)
	}
	if cfg.Broker.StatusTTL != 10*time.Second {
		t.Errorf("broker.status_ttl = %v, want default 10s", cfg.Broker.StatusTTL)
	}
	if cfg.Cache.MaxEntries != 256 {
		t.Errorf("cache.max_entries = %d, want 256", cfg.Cache.MaxEntries)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.TriggerTimeout != 90*time.Second {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Scheduler.Triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(cfg.Scheduler.Triggers))
	}
	trigger := cfg.Scheduler.Triggers[0]
	if trigger.Name != "nightly-sweep" || trigger.Kind != TriggerKindExplore || trigger.Topic != "marketplaces" || trigger.Depth != 2 {
		t.Errorf("trigger = %+v", trigger)
	}
	if cfg.Simulator.Port != 9099 || cfg.Simulator.FailureRate != 0.25 {
		t.Errorf("simulator = %+v", cfg.Simulator)
	}
	if cfg.Simulator.MinLatency != 10*time.Millisecond || cfg.Simulator.MaxLatency != 20*time.Millisecond {
		t.Errorf("simulator latency = [%v, %v], want [10ms, 20ms]", cfg.Simulator.MinLatency, cfg.Simulator.MaxLatency)
	}
	if cfg.Simulator.Circuits != 3 {
		t.Errorf("simulator.circuits = %d, want default 3", cfg.Simulator.Circuits)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 123456\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
	if !strings.Contains(err.Error(), "port") {
		t.Errorf("error should mention the port, got: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SAMGPT_SERVER_PORT", "9600")
	t.Setenv("SAMGPT_TRANSPORT_BASE_URL", "http://10.0.0.5:8099/api/dark-web")

	path := writeConfig(t, "server:\n  port: 9191\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9600 {
		t.Errorf("env override lost: port = %d, want 9600", cfg.Server.Port)
	}
	if cfg.Transport.BaseURL != "http://10.0.0.5:8099/api/dark-web" {
		t.Errorf("env override lost: base_url = %s", cfg.Transport.BaseURL)
	}
}

func TestTriggerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		trigger TriggerConfig
		wantErr string
	}{
		{
			name:    "valid explore",
			trigger: TriggerConfig{Name: "sweep", Schedule: "0 * * * *", Kind: TriggerKindExplore, Topic: "forums"},
		},
		{
			name:    "valid job",
			trigger: TriggerConfig{Name: "crawl", Schedule: "30 2 * * *", Kind: TriggerKindJob, URLs: []string{"http://abcdefghijklmnop.onion"}},
		},
		{
			name:    "missing name",
			trigger: TriggerConfig{Schedule: "0 * * * *", Kind: TriggerKindExplore, Topic: "forums"},
			wantErr: "name is required",
		},
		{
			name:    "missing schedule",
			trigger: TriggerConfig{Name: "sweep", Kind: TriggerKindExplore, Topic: "forums"},
			wantErr: "schedule is required",
		},
		{
			name:    "explore without topic",
			trigger: TriggerConfig{Name: "sweep", Schedule: "0 * * * *", Kind: TriggerKindExplore},
			wantErr: "need a topic",
		},
		{
			name:    "job without urls",
			trigger: TriggerConfig{Name: "crawl", Schedule: "0 * * * *", Kind: TriggerKindJob},
			wantErr: "at least one url",
		},
		{
			name:    "unknown kind",
			trigger: TriggerConfig{Name: "sweep", Schedule: "0 * * * *", Kind: "ping"},
			wantErr: "unknown kind",
		},
		{
			name:    "negative depth",
			trigger: TriggerConfig{Name: "sweep", Schedule: "0 * * * *", Kind: TriggerKindExplore, Topic: "forums", Depth: -1},
			wantErr: "depth",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.trigger.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSchedulerConfigValidate(t *testing.T) {
	disabled := SchedulerConfig{Enabled: false, Triggers: []TriggerConfig{{Name: "broken"}}}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled scheduler must not validate triggers, got: %v", err)
	}

	dup := SchedulerConfig{
		Enabled: true,
		Triggers: []TriggerConfig{
			{Name: "sweep", Schedule: "0 * * * *", Kind: TriggerKindExplore, Topic: "a"},
			{Name: "sweep", Schedule: "5 * * * *", Kind: TriggerKindExplore, Topic: "b"},
		},
	}
	err := dup.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate name error, got: %v", err)
	}
}

func TestTransportValidation(t *testing.T) {
	cfg := Default()
	cfg.Transport.BaseURL = "ftp://127.0.0.1/api"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-http scheme")
	}

	cfg.Transport.BaseURL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty base_url defers to transport defaults, got: %v", err)
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8787}
	if got := s.Addr(); got != "127.0.0.1:8787" {
		t.Errorf("Addr() = %s", got)
	}
}
