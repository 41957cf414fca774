package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mirkobrombin/go-replica/v1/config"
	"github.com/mirkobrombin/go-replica/v1/metrics"
	"github.com/mirkobrombin/go-replica/v1/reducers"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "replica.db")
	return writeConfig(t, `
log_level: error
store:
  backend: sqlite
  sqlite_path: `+db+`
changes:
  backend: sqlite
  poll_interval: 20ms
broadcast:
  backend: none
reducers:
  counter:
    initial: {count: 0}
    actions:
      increment: "{'count': state.count + 1}"
      add: "{'count': state.count + payload}"
`)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestSetThenGetAcrossInvocations(t *testing.T) {
	cfg := sqliteConfig(t)
	if out, err := run(t, "-c", cfg, "set", "greeting", `{"text":"hi"}`); err != nil || out != `{"text":"hi"}` {
		t.Fatalf("set: out=%q err=%v", out, err)
	}
	out, err := run(t, "-c", cfg, "get", "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != `{"text":"hi"}` {
		t.Fatalf("unexpected value %q", out)
	}
}

func TestGetMissingKeyPrintsNull(t *testing.T) {
	out, err := run(t, "-c", sqliteConfig(t), "get", "nothing")
	if err != nil || out != "null" {
		t.Fatalf("get: out=%q err=%v", out, err)
	}
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	if _, err := run(t, "-c", sqliteConfig(t), "set", "k", "{nope"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDispatchAccumulates(t *testing.T) {
	cfg := sqliteConfig(t)
	if _, err := run(t, "-c", cfg, "dispatch", "counter", "hits", "increment"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	out, err := run(t, "-c", cfg, "dispatch", "counter", "hits", "add", "4")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != `{"count":5}` {
		t.Fatalf("unexpected state %q", out)
	}
	if _, err := run(t, "-c", cfg, "dispatch", "missing", "hits", "increment"); err == nil {
		t.Fatal("expected error for unknown reducer")
	}
}

func TestInvalidLogLevelFlag(t *testing.T) {
	if _, err := run(t, "--log-level", "loud", "get", "k"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Reducers = map[string]config.ReducerConfig{
		"counter": {Initial: 0, Actions: map[string]string{"increment": "state + 1"}},
	}
	rt, err := openRuntime(&cfg)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	srv := httptest.NewServer(newHandler(rt, newCells(rt), reg))
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
	})
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func TestServerValues(t *testing.T) {
	srv := newTestServer(t)

	if code, body := do(t, http.MethodPut, srv.URL+"/values/color", `"blue"`); code != http.StatusOK || body != `"blue"` {
		t.Fatalf("put: %d %s", code, body)
	}
	if code, body := do(t, http.MethodGet, srv.URL+"/values/color", ""); code != http.StatusOK || body != `"blue"` {
		t.Fatalf("get: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodPut, srv.URL+"/values/color", `{bad`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", code)
	}
}

func TestServerReducers(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 2; i++ {
		code, body := do(t, http.MethodPost, srv.URL+"/reducers/counter/n", `{"type":"increment"}`)
		if code != http.StatusOK {
			t.Fatalf("dispatch: %d %s", code, body)
		}
	}
	code, body := do(t, http.MethodGet, srv.URL+"/values/n", "")
	if code != http.StatusOK {
		t.Fatalf("get: %d %s", code, body)
	}
	var n float64
	if err := json.Unmarshal([]byte(body), &n); err != nil || n != 2 {
		t.Fatalf("expected 2 got %s (%v)", body, err)
	}
	if code, _ := do(t, http.MethodPut, srv.URL+"/values/n", `1`); code != http.StatusConflict {
		t.Fatalf("expected 409 for a reducer key, got %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/reducers/unknown/x", `{"type":"increment"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reducer, got %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/reducers/counter/n", `{}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", code)
	}
}

func TestServerMetricsAndHealth(t *testing.T) {
	srv := newTestServer(t)
	if code, _ := do(t, http.MethodPut, srv.URL+"/values/k", `1`); code != http.StatusOK {
		t.Fatalf("put failed: %d", code)
	}
	code, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "replica_commits_total") {
		t.Fatalf("metrics: %d %s", code, body)
	}
	if code, body := do(t, http.MethodGet, srv.URL+"/healthz", ""); code != http.StatusOK || !strings.Contains(body, "instance") {
		t.Fatalf("healthz: %d %s", code, body)
	}
}

func TestReducerStartsFromConfiguredInitialState(t *testing.T) {
	cfg, err := config.Parse([]byte(`
broadcast:
  backend: none
reducers:
  counter:
    initial: 0
    actions:
      increment: state + 1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	cell, err := newCells(rt).reducer(context.Background(), "counter", "fresh")
	if err != nil {
		t.Fatalf("reducer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cell.Dispatch(context.Background(), reducers.Action{Type: "increment"}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if got := cell.Read(); got != 3 {
		t.Fatalf("expected 3 after three increments from a fresh key, got %#v", got)
	}
}
