package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned by WriteStarter when a config file is already present.
var ErrExists = errors.New("config file already exists")

const starterConfig = `{
  // HTTP gateway
  "server": {
    "address": ":3001",
    "shutdown_grace": "500ms",
    // Per-client request limit; 0 disables it.
    "rate_limit": {"rps": 0, "burst": 0}
  },

  // Initial display mode. Changing it at runtime resets every conversation.
  "display": {"headless": false},

  "conversations": {
    "max_per_kind": 0,      // 0 = unlimited
    "max_queue_depth": 0,   // 0 = unbounded
    "idle_timeout": "0s",   // 0 disables idle reaping
    "reap_interval": "1m"
  },

  "ledger": {
    "enabled": true,
    "path": "data/ledger.db",
    "retention": "720h",
    // Compressed snapshots of the ledger; "0s" disables them.
    "backup": {"interval": "0s", "directory": "data/backups", "keep": 7}
  },

  "logging": {"json": false, "level": "info"},

  "drivers": {
    "gemini": {
      "type": "openai",
      "base_url": "https://generativelanguage.googleapis.com/v1beta/openai/",
      "model": "gemini-2.0-flash",
      "api_key_env": "GEMINI_API_KEY",
      // "count" returns as soon as text appears; "stability" waits for the
      // streamed reply to stop changing.
      "stabilization": {"mode": "stability"}
    },
    "grok": {
      "type": "openai",
      "base_url": "https://api.x.ai/v1",
      "model": "grok-3",
      "api_key_env": "XAI_API_KEY",
      "stabilization": {"mode": "stability", "threshold": 3}
    },
    "claude": {
      "type": "anthropic",
      "model": "claude-sonnet-4-5",
      "api_key_env": "ANTHROPIC_API_KEY",
      "max_tokens": 4096,
      "stabilization": {"mode": "stability"}
    },
    "echo": {
      "type": "scripted",
      "frame_delay": "50ms",
      "stabilization": {"mode": "stability", "interval": "200ms"}
    }
  }
}
`

// WriteStarter creates home/config/colloquy.jsonc with commented defaults and
// returns its path. It refuses to overwrite an existing file.
func WriteStarter(home string) (string, error) {
	dir := filepath.Join(home, "config")
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(home, "data", "logs"), 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
