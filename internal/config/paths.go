// ABOUTME: XDG path resolution and the sample configuration written by deepbot init
// ABOUTME: Config lives under XDG_CONFIG_HOME/deepbot, state under XDG_DATA_HOME/deepbot

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "DEEPBOT_CONFIG"

// DefaultPath returns the config file location.
// Priority: DEEPBOT_CONFIG > XDG_CONFIG_HOME/deepbot/config.yaml > ~/.config/deepbot/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv(PathEnvVar); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "deepbot", "config.yaml")
}

// DefaultDataDir returns the state directory for crypto stores and the ledger.
// Priority: XDG_DATA_HOME/deepbot > ~/.local/share/deepbot
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "deepbot")
}

// Sample is the commented configuration written by deepbot init.
const Sample = `# deepbot configuration
# Values may reference environment variables as ${NAME}.

matrix:
  enabled: true
  homeserver: "https://matrix.org"
  user_id: "@deepbot:matrix.org"
  access_token: "${DEEPBOT_MATRIX_TOKEN}"
  display_name: "deepbot"
  # Only listen in these rooms (empty = all joined rooms)
  allowed_rooms: []
  encryption: false
  recovery_key: ""
  typing_indicator: true

backend:
  # echo or http (any OpenAI compatible /v1/chat/completions endpoint)
  kind: "http"
  url: "http://localhost:11434"
  model: "llama3.1"
  api_key: ""
  stream: true
  timeout: "2m"

sampling:
  temperature: 0.7
  top_p: 0.9
  # -1 leaves the value to the backend
  max_tokens: -1
  seed: -1

history:
  max_history: 10
  history_fetch_limit: 50
  max_response_lines: 10
  startup_concurrency: 4
  fetch_rate: 5
  fetch_burst: 5

prompt:
  # Empty uses the built-in prompt
  path: ""
  watch: true
  max_lines: 60

server:
  # Operations API; empty disables it
  http_addr: "127.0.0.1:8090"

tailscale:
  enabled: false
  hostname: "deepbot"

auth:
  # Enables bearer auth on /api when set (32+ bytes)
  jwt_secret: "${DEEPBOT_JWT_SECRET}"

database:
  # Generation ledger; empty disables it
  path: ""

dedupe:
  ttl: "10m"
  max_entries: 10000

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// WriteSample writes Sample to path, creating parent directories. It refuses
// to overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Sample), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
