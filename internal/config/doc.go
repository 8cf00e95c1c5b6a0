// Package config handles configuration loading for the skylane chat client.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation; retry tuning left unset falls back to the
// connection layer's defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SKYLANE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/skylane/chat.yaml
//  3. ~/.config/skylane/chat.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${SKYLANE_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// History API:
//
//	api:
//	  base_url: "https://api.skylane.example"
//
// Realtime connection:
//
//	realtime:
//	  endpoint: "wss://push.skylane.example/socket"
//	  connect_timeout: "10s"
//	  backoff_base: "1s"
//	  backoff_max: "30s"
//	  max_attempts: 5
//	  grace_period: "2s"
//
// Authentication (token takes precedence; token_env is re-read on every
// connect so a rotated token is picked up without a restart):
//
//	auth:
//	  token: "${SKYLANE_TOKEN}"
//	  token_env: "SKYLANE_TOKEN"
//
// Current user:
//
//	user:
//	  id: "user-42"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
