// Package config loads colloquy.jsonc, the single configuration file for the
// server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HyphaGroup/colloquy/internal/stabilize"
)

const (
	FileName = "colloquy.jsonc"
	// HomeEnv overrides the home directory lookup.
	HomeEnv = "COLLOQUY_HOME"
)

// Driver types understood by the server.
const (
	DriverOpenAI    = "openai"
	DriverAnthropic = "anthropic"
	DriverScripted  = "scripted"
)

// Duration is a time.Duration that unmarshals from "30s" style strings or
// from a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Config is the parsed contents of colloquy.jsonc.
type Config struct {
	Server        ServerSection            `json:"server"`
	Display       DisplaySection           `json:"display"`
	Conversations ConversationsSection     `json:"conversations"`
	Ledger        LedgerSection            `json:"ledger"`
	Logging       LoggingSection           `json:"logging"`
	Drivers       map[string]DriverSection `json:"drivers"`

	// Home is the directory the file was found under.
	Home string `json:"-"`
}

// ServerSection contains HTTP server settings
type ServerSection struct {
	Address       string           `json:"address"`
	ShutdownGrace Duration         `json:"shutdown_grace"`
	RateLimit     RateLimitSection `json:"rate_limit"`
}

// RateLimitSection bounds requests per client. Zero RPS disables limiting.
type RateLimitSection struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// DisplaySection holds the initial global display configuration.
type DisplaySection struct {
	Headless bool `json:"headless"`
}

// ConversationsSection contains engine limits
type ConversationsSection struct {
	MaxPerKind    int      `json:"max_per_kind"`
	MaxQueueDepth int      `json:"max_queue_depth"`
	IdleTimeout   Duration `json:"idle_timeout"`
	ReapInterval  Duration `json:"reap_interval"`
}

// LedgerSection configures the sqlite transcript.
type LedgerSection struct {
	Enabled   *bool         `json:"enabled"`
	Path      string        `json:"path"`
	Retention Duration      `json:"retention"`
	Backup    BackupSection `json:"backup"`
}

// BackupSection configures periodic ledger snapshots. Zero interval disables
// them.
type BackupSection struct {
	Interval  Duration `json:"interval"`
	Directory string   `json:"directory"`
	Keep      int      `json:"keep"`
}

// IsEnabled reports whether the ledger should be opened. It defaults to on.
func (l LedgerSection) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// LoggingSection configures internal/logger.
type LoggingSection struct {
	JSON  bool   `json:"json"`
	Level string `json:"level"`
}

// DriverSection configures one assistant kind.
type DriverSection struct {
	Type       string `json:"type"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model,omitempty"`
	APIKeyEnv  string `json:"api_key_env,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	MaxTokens  int64  `json:"max_tokens,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	// FrameDelay paces scripted drivers.
	FrameDelay    Duration             `json:"frame_delay,omitempty"`
	Stabilization StabilizationSection `json:"stabilization"`
}

// StabilizationSection overrides the stabilization defaults for a kind.
// Zero fields take the defaults of the selected mode.
type StabilizationSection struct {
	Mode        string   `json:"mode"`
	Timeout     Duration `json:"timeout,omitempty"`
	Interval    Duration `json:"interval,omitempty"`
	Threshold   int      `json:"threshold,omitempty"`
	SettleDelay Duration `json:"settle_delay,omitempty"`
	Fallback    string   `json:"fallback,omitempty"`
}

// Policy resolves the section into a stabilize.Policy.
func (s StabilizationSection) Policy() (stabilize.Policy, error) {
	mode := stabilize.Mode(s.Mode)
	if mode == "" {
		mode = stabilize.ModeStability
	}
	p, err := stabilize.Defaults(mode)
	if err != nil {
		return stabilize.Policy{}, err
	}
	if s.Timeout > 0 {
		p.Timeout = s.Timeout.Std()
	}
	if s.Interval > 0 {
		p.Interval = s.Interval.Std()
	}
	if s.Threshold > 0 {
		p.Threshold = s.Threshold
	}
	if s.SettleDelay > 0 {
		p.SettleDelay = s.SettleDelay.Std()
	}
	if s.Fallback != "" {
		p.Fallback = s.Fallback
	}
	return p, p.Validate()
}

// ResolveAPIKey returns the literal key if set, else the value of APIKeyEnv.
func (d DriverSection) ResolveAPIKey() string {
	if d.APIKey != "" {
		return d.APIKey
	}
	if d.APIKeyEnv != "" {
		return os.Getenv(d.APIKeyEnv)
	}
	return ""
}

// Retries returns the configured retry count, defaulting to 2.
func (d DriverSection) Retries() int {
	if d.MaxRetries == nil {
		return 2
	}
	return *d.MaxRetries
}

// DefaultDrivers returns the drivers configured when the file names none.
func DefaultDrivers() map[string]DriverSection {
	return map[string]DriverSection{
		"gemini": {
			Type:          DriverOpenAI,
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:         "gemini-2.0-flash",
			APIKeyEnv:     "GEMINI_API_KEY",
			Stabilization: StabilizationSection{Mode: string(stabilize.ModeStability)},
		},
		"grok": {
			Type:          DriverOpenAI,
			BaseURL:       "https://api.x.ai/v1",
			Model:         "grok-3",
			APIKeyEnv:     "XAI_API_KEY",
			Stabilization: StabilizationSection{Mode: string(stabilize.ModeStability)},
		},
		"claude": {
			Type:          DriverAnthropic,
			Model:         "claude-sonnet-4-5",
			APIKeyEnv:     "ANTHROPIC_API_KEY",
			MaxTokens:     4096,
			Stabilization: StabilizationSection{Mode: string(stabilize.ModeStability)},
		},
		"echo": {
			Type:          DriverScripted,
			FrameDelay:    Duration(50 * time.Millisecond),
			Stabilization: StabilizationSection{Mode: string(stabilize.ModeStability), Interval: Duration(200 * time.Millisecond)},
		},
	}
}

// FindConfigPath returns the path to colloquy.jsonc using precedence:
// 1. dir/config/colloquy.jsonc (if dir specified)
// 2. $COLLOQUY_HOME/config/colloquy.jsonc
// 3. ./.colloquy/config/colloquy.jsonc (project-local)
// 4. ~/.colloquy/config/colloquy.jsonc (user global)
func FindConfigPath(dir string) (string, error) {
	if dir != "" {
		path := filepath.Join(dir, "config", FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", FileName, filepath.Join(dir, "config"))
		}
		return absPath(path), nil
	}

	var candidates []string
	if home := os.Getenv(HomeEnv); home != "" {
		candidates = append(candidates, filepath.Join(home, "config", FileName))
	}
	candidates = append(candidates, filepath.Join(".colloquy", "config", FileName))
	if userHome, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(userHome, ".colloquy", "config", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", fmt.Errorf("%s not found; tried: %v", FileName, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load reads and parses one config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Home = filepath.Dir(filepath.Dir(absPath(path)))

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadAll locates the config file under dir (see FindConfigPath) and loads it.
func LoadAll(dir string) (*Config, error) {
	path, err := FindConfigPath(dir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Default returns the configuration used when no file exists, rooted at home.
func Default(home string) *Config {
	cfg := &Config{Home: home}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":3001"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = Duration(500 * time.Millisecond)
	}
	if cfg.Server.RateLimit.RPS > 0 && cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = int(cfg.Server.RateLimit.RPS) * 2
	}

	if cfg.Conversations.ReapInterval == 0 {
		cfg.Conversations.ReapInterval = Duration(time.Minute)
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join("data", "ledger.db")
	}
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.Backup.Directory == "" {
		cfg.Ledger.Backup.Directory = filepath.Join("data", "backups")
	}
	if cfg.Ledger.Backup.Keep == 0 {
		cfg.Ledger.Backup.Keep = 7
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if len(cfg.Drivers) == 0 {
		cfg.Drivers = DefaultDrivers()
	}
}

// DataPath resolves p against Home unless it is absolute.
func (c *Config) DataPath(p string) string {
	if filepath.IsAbs(p) || c.Home == "" {
		return p
	}
	return filepath.Join(c.Home, p)
}

// LogDir is where the server writes log files.
func (c *Config) LogDir() string {
	return c.DataPath(filepath.Join("data", "logs"))
}

// Validate checks the loaded configuration for values the server cannot run
// with. Missing API keys are not errors; those kinds fail when first opened.
func (c *Config) Validate() error {
	var problems []string
	if c.Conversations.MaxPerKind < 0 {
		problems = append(problems, "conversations.max_per_kind must not be negative")
	}
	if c.Conversations.MaxQueueDepth < 0 {
		problems = append(problems, "conversations.max_queue_depth must not be negative")
	}
	if c.Conversations.IdleTimeout < 0 {
		problems = append(problems, "conversations.idle_timeout must not be negative")
	}
	if c.Server.RateLimit.RPS < 0 {
		problems = append(problems, "server.rate_limit.rps must not be negative")
	}

	for name, d := range c.Drivers {
		if name == "" {
			problems = append(problems, "driver with empty name")
			continue
		}
		switch d.Type {
		case DriverOpenAI, DriverAnthropic:
			if d.Model == "" {
				problems = append(problems, fmt.Sprintf("drivers.%s.model is required", name))
			}
		case DriverScripted:
		default:
			problems = append(problems, fmt.Sprintf("drivers.%s.type %q is not one of openai, anthropic, scripted", name, d.Type))
		}
		if _, err := d.Stabilization.Policy(); err != nil {
			problems = append(problems, fmt.Sprintf("drivers.%s.stabilization: %v", name, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
