package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Broadcast.Backend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
instance_id: tab-1
log_level: debug
store:
  backend: sqlite
  sqlite_path: /tmp/replica.db
broadcast:
  backend: nats
  nats_url: nats://127.0.0.1:4222
  breaker_timeout: 5s
changes:
  backend: sqlite
  poll_interval: 50ms
reducers:
  counter:
    initial: 0
    actions:
      increment: state + 1
      decrement: state - 1
http:
  addr: ":9090"
trace: true
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.InstanceID != "tab-1" || !cfg.Trace || cfg.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Changes.PollInterval != 50*time.Millisecond {
		t.Fatalf("expected 50ms poll got %v", cfg.Changes.PollInterval)
	}
	if cfg.Broadcast.BreakerTimeout != 5*time.Second || cfg.Broadcast.BreakerThreshold != 5 {
		t.Fatalf("unexpected breaker settings %+v", cfg.Broadcast)
	}
	if cfg.Changes.Retention != 10*time.Minute {
		t.Fatalf("expected default retention kept, got %v", cfg.Changes.Retention)
	}
	p, initial, err := cfg.Reducer("counter")
	if err != nil {
		t.Fatalf("reducer: %v", err)
	}
	if got := strings.Join(p.Actions(), ","); got != "decrement,increment" {
		t.Fatalf("unexpected actions %s", got)
	}
	if initial != 0 {
		t.Fatalf("expected initial state 0, got %#v", initial)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	data := []byte(`
log_level: loud
store:
  backend: redis
broadcast:
  backend: kafka
changes:
  backend: sqlite
reducers:
  broken:
    actions:
      go: "state +"
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log level", "redis_addr", "kafka_brokers", "sqlite store", "broken"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: redis\n  redis_addr: localhost:6379\nbroadcast:\n  backend: redis\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BroadcastRedisAddr() != "localhost:6379" {
		t.Fatalf("expected broadcast to reuse the store address, got %q", cfg.BroadcastRedisAddr())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
}

func TestReducerUnknown(t *testing.T) {
	cfg := Default()
	if _, _, err := cfg.Reducer("nope"); !errors.Is(err, ErrUnknownReducer) {
		t.Fatalf("expected ErrUnknownReducer got %v", err)
	}
}
