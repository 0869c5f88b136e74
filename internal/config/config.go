// Package config handles automaton configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/automaton/config.yaml,
// /etc/automaton/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "automaton", "config.yaml"))
	}

	paths = append(paths, "/etc/automaton/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all automaton configuration.
type Config struct {
	Name      string          `yaml:"name"`
	DataDir   string          `yaml:"data_dir"`
	DBPath    string          `yaml:"db_path"`
	DBDriver  string          `yaml:"db_driver"` // sqlite3 (cgo) or sqlite (pure Go)
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	SkillsDir string          `yaml:"skills_dir"`
	Identity  IdentityConfig  `yaml:"identity"`
	Inference InferenceConfig `yaml:"inference"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Credits   CreditsConfig   `yaml:"credits"`
	Survival  SurvivalConfig  `yaml:"survival"`
	Loop      LoopConfig      `yaml:"loop"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Runner    RunnerConfig    `yaml:"runner"`
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	// Pricing maps a model name to its per-million-token rates in
	// cents. Entries here override or extend the built-in table.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// IdentityConfig describes who the automaton is. Wallet provisioning
// happens elsewhere; these values are only rendered into prompts.
type IdentityConfig struct {
	Address        string `yaml:"address"`
	CreatorAddress string `yaml:"creator_address"`
	SandboxID      string `yaml:"sandbox_id"`
	GenesisPrompt  string `yaml:"genesis_prompt"`
}

// InferenceConfig selects the hosted inference model.
type InferenceConfig struct {
	Model           string `yaml:"model"`
	LowComputeModel string `yaml:"low_compute_model"`
	MaxTokens       int    `yaml:"max_tokens"`
}

// OllamaConfig enables local inference. When either field is set the
// automaton pays with its own compute and credit gating is bypassed.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// CreditsConfig points at the compute provider's balance API and the
// token balance endpoint for the agent's wallet.
type CreditsConfig struct {
	APIURL        string `yaml:"api_url"`
	APIKey        string `yaml:"api_key"`
	WalletAddress string `yaml:"wallet_address"`
	TokenAPIURL   string `yaml:"token_api_url"`
}

// SurvivalConfig holds the ascending tier thresholds, in cents.
type SurvivalConfig struct {
	NormalCents   int64 `yaml:"normal_cents"`
	CriticalCents int64 `yaml:"critical_cents"`
	DeadCents     int64 `yaml:"dead_cents"`
}

// LoopConfig bounds the work a single turn may do.
type LoopConfig struct {
	MaxToolCallsPerTurn  int           `yaml:"max_tool_calls_per_turn"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	InboxBatch           int           `yaml:"inbox_batch"`
	ContextTurns         int           `yaml:"context_turns"`
	RepetitionWindow     int           `yaml:"repetition_window"`
	IdleSleep            time.Duration `yaml:"idle_sleep"`
	ErrorCooldown        time.Duration `yaml:"error_cooldown"`
}

// HeartbeatConfig configures the out-of-band wake scheduler.
type HeartbeatConfig struct {
	ConfigPath   string        `yaml:"config_path"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// RunnerConfig configures the host loop that drives the agent between
// suspensions.
type RunnerConfig struct {
	WakePollInterval time.Duration `yaml:"wake_poll_interval"`
	MinSleep         time.Duration `yaml:"min_sleep"`
	DefaultSleep     time.Duration `yaml:"default_sleep"`
	DeadRecheck      time.Duration `yaml:"dead_recheck"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
}

// ListenConfig defines the status API server settings. Port 0 disables
// the server.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// MQTTConfig configures the optional MQTT status publisher. An empty
// Broker disables it.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`

	// AcceptInbox subscribes to <base>/inbox and queues each JSON
	// payload {"from", "content"} as an inbox message.
	AcceptInbox bool `yaml:"accept_inbox"`
}

// Configured reports whether the MQTT publisher has enough settings to
// connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// PricingEntry is a per-million-token rate pair in cents.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "automaton"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.automaton"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "state.db")
	}
	c.DBPath = expandHome(c.DBPath)
	if c.SkillsDir == "" {
		c.SkillsDir = filepath.Join(c.DataDir, "skills")
	}
	c.SkillsDir = expandHome(c.SkillsDir)
	if c.DBDriver == "" {
		c.DBDriver = "sqlite3"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Inference.Model == "" {
		c.Inference.Model = "gpt-4o"
	}
	if c.Inference.LowComputeModel == "" {
		c.Inference.LowComputeModel = "gpt-4o-mini"
	}
	if c.Inference.MaxTokens == 0 {
		c.Inference.MaxTokens = 4096
	}
	if c.Ollama.Model != "" && c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Credits.APIURL == "" {
		c.Credits.APIURL = "https://api.conway.tech"
	}

	if c.Survival == (SurvivalConfig{}) {
		c.Survival = SurvivalConfig{NormalCents: 500, CriticalCents: 100, DeadCents: 0}
	}

	if c.Loop.MaxToolCallsPerTurn == 0 {
		c.Loop.MaxToolCallsPerTurn = 10
	}
	if c.Loop.MaxConsecutiveErrors == 0 {
		c.Loop.MaxConsecutiveErrors = 5
	}
	if c.Loop.InboxBatch == 0 {
		c.Loop.InboxBatch = 5
	}
	if c.Loop.ContextTurns == 0 {
		c.Loop.ContextTurns = 20
	}
	if c.Loop.RepetitionWindow == 0 {
		c.Loop.RepetitionWindow = 3
	}
	if c.Loop.IdleSleep == 0 {
		c.Loop.IdleSleep = 60 * time.Second
	}
	if c.Loop.ErrorCooldown == 0 {
		c.Loop.ErrorCooldown = 300 * time.Second
	}

	if c.Heartbeat.ConfigPath == "" {
		c.Heartbeat.ConfigPath = filepath.Join(c.DataDir, "heartbeat.yml")
	}
	c.Heartbeat.ConfigPath = expandHome(c.Heartbeat.ConfigPath)
	if c.Heartbeat.TickInterval == 0 {
		c.Heartbeat.TickInterval = 60 * time.Second
	}

	if c.Runner.WakePollInterval == 0 {
		c.Runner.WakePollInterval = 30 * time.Second
	}
	if c.Runner.MinSleep == 0 {
		c.Runner.MinSleep = 10 * time.Second
	}
	if c.Runner.DefaultSleep == 0 {
		c.Runner.DefaultSleep = 60 * time.Second
	}
	if c.Runner.DeadRecheck == 0 {
		c.Runner.DeadRecheck = 5 * time.Minute
	}
	if c.Runner.ErrorBackoff == 0 {
		c.Runner.ErrorBackoff = 30 * time.Second
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = c.Name
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	s := c.Survival
	if !(s.DeadCents < s.CriticalCents && s.CriticalCents < s.NormalCents) {
		errs = append(errs, fmt.Errorf("survival thresholds must ascend (dead %d < critical %d < normal %d)",
			s.DeadCents, s.CriticalCents, s.NormalCents))
	}
	if s.DeadCents < 0 {
		errs = append(errs, fmt.Errorf("survival.dead_cents must be >= 0, got %d", s.DeadCents))
	}
	switch c.DBDriver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown db_driver %q (valid: sqlite3, sqlite)", c.DBDriver))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Loop.MaxToolCallsPerTurn < 0 || c.Loop.InboxBatch < 0 {
		errs = append(errs, errors.New("loop limits must be positive"))
	}
	return errors.Join(errs...)
}

// OllamaMode reports whether inference runs on local compute. In this
// mode credits are not consumed and survival-tier gating is skipped.
func (c *Config) OllamaMode() bool {
	return c.Ollama.URL != "" || c.Ollama.Model != ""
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
