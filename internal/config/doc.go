// Package config handles configuration loading for deepbot.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from the DEEPBOT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/deepbot/config.yaml
//  4. ~/.config/deepbot/config.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML. Both
// formats share the same keys. `deepbot init` writes a commented sample.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${DEEPBOT_MATRIX_TOKEN}"
//
// Unset variables expand to an empty string. Setting USE_ECHO_BACKEND=true
// forces the echo backend regardless of the file.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	backend:
//	  timeout: "2m"
//	dedupe:
//	  ttl: "10m"
//
// # Defaults
//
// history.max_history 10, history.history_fetch_limit 50,
// history.max_response_lines 10, history.startup_concurrency 4,
// prompt.max_lines 60, sampling from generation.DefaultSampling.
//
// # Validation
//
// Validate returns a *ConfigurationError naming the offending field, for
// example a missing matrix.access_token while matrix is enabled or a
// missing backend.url for the http backend.
package config
