// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation errors

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("TEST_MATRIX_TOKEN", "syt_secret")
	t.Setenv(EchoEnvVar, "")
	path := writeConfig(t, "config.yaml", `
matrix:
  enabled: true
  homeserver: "https://matrix.example.org"
  user_id: "@deepbot:example.org"
  access_token: "${TEST_MATRIX_TOKEN}"
  allowed_rooms:
    - "!abc:example.org"

backend:
  url: "http://localhost:11434"
  model: "llama3.1"
  stream: true
  timeout: "45s"

sampling:
  temperature: 0.2
  seed: 42

history:
  max_history: 20
  max_response_lines: 5

dedupe:
  ttl: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.AccessToken != "syt_secret" {
		t.Errorf("Matrix.AccessToken = %q, want expanded env value", cfg.Matrix.AccessToken)
	}
	if len(cfg.Matrix.AllowedRooms) != 1 || cfg.Matrix.AllowedRooms[0] != "!abc:example.org" {
		t.Errorf("Matrix.AllowedRooms = %v", cfg.Matrix.AllowedRooms)
	}
	if cfg.Backend.Kind != BackendHTTP {
		t.Errorf("Backend.Kind = %q, want %q (inferred from url)", cfg.Backend.Kind, BackendHTTP)
	}
	if cfg.Backend.Timeout != 45*time.Second {
		t.Errorf("Backend.Timeout = %v, want 45s", cfg.Backend.Timeout)
	}
	if cfg.History.MaxHistory != 20 || cfg.History.MaxResponseLines != 5 {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.History.FetchLimit != 50 {
		t.Errorf("History.FetchLimit = %d, want default 50", cfg.History.FetchLimit)
	}
	if cfg.Dedupe.TTL != time.Minute {
		t.Errorf("Dedupe.TTL = %v, want 1m", cfg.Dedupe.TTL)
	}

	s := cfg.GenerationSampling()
	if s.Temperature != 0.2 || s.Seed != 42 {
		t.Errorf("sampling overrides not applied: %+v", s)
	}
	if s.TopP != 0.9 || s.MaxTokens != -1 {
		t.Errorf("sampling defaults not applied: %+v", s)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[backend]
kind = "echo"

[history]
max_history = 3
startup_concurrency = 2

[prompt]
path = "/etc/deepbot/prompt.txt"
max_lines = 20

[server]
http_addr = "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Kind != BackendEcho {
		t.Errorf("Backend.Kind = %q", cfg.Backend.Kind)
	}
	if cfg.History.MaxHistory != 3 || cfg.History.StartupConcurrency != 2 {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.Prompt.Path != "/etc/deepbot/prompt.txt" || cfg.Prompt.MaxLines != 20 {
		t.Errorf("Prompt = %+v", cfg.Prompt)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	cfg, err := Parse([]byte("{}"), false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"backend.kind", cfg.Backend.Kind, BackendEcho},
		{"backend.timeout", cfg.Backend.Timeout, 2 * time.Minute},
		{"history.max_history", cfg.History.MaxHistory, 10},
		{"history.history_fetch_limit", cfg.History.FetchLimit, 50},
		{"history.max_response_lines", cfg.History.MaxResponseLines, 10},
		{"history.startup_concurrency", cfg.History.StartupConcurrency, 4},
		{"prompt.max_lines", cfg.Prompt.MaxLines, 60},
		{"dedupe.ttl", cfg.Dedupe.TTL, 10 * time.Minute},
		{"dedupe.max_entries", cfg.Dedupe.MaxEntries, 10000},
		{"logging.level", cfg.Logging.Level, "info"},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
		{"matrix.data_dir", cfg.Matrix.DataDir, filepath.Join("/tmp/xdg-data", "deepbot")},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EchoEnvOverride(t *testing.T) {
	t.Setenv(EchoEnvVar, "true")
	cfg, err := Parse([]byte(`backend: {kind: http, url: "http://llm:8000"}`), false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Backend.Kind != BackendEcho {
		t.Errorf("Backend.Kind = %q, want echo when %s is set", cfg.Backend.Kind, EchoEnvVar)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing access token", `matrix: {enabled: true, homeserver: "https://m.org", user_id: "@b:m.org"}`, "matrix.access_token"},
		{"missing homeserver", `matrix: {enabled: true, user_id: "@b:m.org", access_token: "x"}`, "matrix.homeserver"},
		{"bad homeserver", `matrix: {enabled: true, homeserver: "not a url", user_id: "@b:m.org", access_token: "x"}`, "matrix.homeserver"},
		{"missing user id", `matrix: {enabled: true, homeserver: "https://m.org", access_token: "x"}`, "matrix.user_id"},
		{"http backend without url", `backend: {kind: http}`, "backend.url"},
		{"http backend bad scheme", `backend: {kind: http, url: "ftp://x"}`, "backend.url"},
		{"unknown backend", `backend: {kind: ollama}`, "backend.kind"},
		{"negative max history", `history: {max_history: -1}`, "history.max_history"},
		{"temperature out of range", `sampling: {temperature: 5}`, "sampling.temperature"},
		{"top_p zero", `sampling: {top_p: 0}`, "sampling.top_p"},
		{"tailscale without hostname", `tailscale: {enabled: true}`, "tailscale.hostname"},
		{"short jwt secret", `auth: {jwt_secret: "short"}`, "auth.jwt_secret"},
		{"bad log level", `logging: {level: verbose}`, "logging.level"},
	}

	t.Setenv(EchoEnvVar, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), false)
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %v is not a *ConfigurationError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
			if !IsConfigurationError(err) {
				t.Error("IsConfigurationError() = false")
			}
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Parse([]byte(`backend: {timeout: "soon"}`), false)
	if err == nil || !strings.Contains(err.Error(), "backend.timeout") {
		t.Fatalf("Parse() error = %v, want backend.timeout parse failure", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want not exist", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DEEPBOT_TEST_A", "alpha")
	got := expandEnvVars("a=${DEEPBOT_TEST_A} b=${DEEPBOT_TEST_UNSET} c=$PLAIN")
	want := "a=alpha b= c=$PLAIN"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "deepbot", "config.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv(PathEnvVar, "/etc/deepbot.toml")
	if got := DefaultPath(); got != "/etc/deepbot.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}
}

func TestSample_ParsesAndWrites(t *testing.T) {
	t.Setenv("DEEPBOT_MATRIX_TOKEN", "token")
	t.Setenv("DEEPBOT_JWT_SECRET", "")
	t.Setenv(EchoEnvVar, "")
	cfg, err := Parse([]byte(Sample), false)
	if err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if !cfg.Matrix.Enabled || cfg.Backend.Kind != BackendHTTP {
		t.Errorf("unexpected sample config: %+v", cfg)
	}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteSample(path, false); err != nil {
		t.Fatalf("WriteSample() error = %v", err)
	}
	if err := WriteSample(path, false); err == nil {
		t.Error("WriteSample() overwrote an existing file without force")
	}
	if err := WriteSample(path, true); err != nil {
		t.Errorf("WriteSample(force) error = %v", err)
	}
}
