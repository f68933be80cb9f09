// Package config loads and validates the steward configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for steward.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Reasoning  ReasoningConfig           `json:"reasoning"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Channels   ChannelsConfig            `json:"channels"`
	Store      StoreConfig               `json:"store"`
	Guardrail  GuardrailConfig           `json:"guardrail"`
	Delegation DelegationConfig          `json:"delegation"`
	Routine    RoutineConfig             `json:"routine"`
	Tools      ToolsConfig               `json:"tools"`
}

type GeneralConfig struct {
	Workspace  string `json:"workspace"`
	SkillsDir  string `json:"skillsDir"`
	LogLevel   string `json:"logLevel"`
	BusBuffer  int    `json:"busBuffer"`
	Workers    int    `json:"workers"`          // max chats processed in parallel
	QueueDepth int    `json:"chatQueueDepth"`   // per-chat pending message buffer
}

// ReasoningConfig tunes the reasoning collaborator calls.
type ReasoningConfig struct {
	DefaultProvider  string  `json:"defaultProvider"`
	MaxIterations    int     `json:"maxIterations"` // tool-call loop bound per turn
	MaxTokens        int     `json:"maxTokens"`
	Temperature      float64 `json:"temperature"`
	HistoryLimit     int     `json:"historyLimit"`     // turns fed into the conversation window
	CompactThreshold int     `json:"compactThreshold"` // stored turns that trigger compaction; 0 disables
	CompactKeep      int     `json:"compactKeepRecent"` // recent turns spared when compacting
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	CLI      CLIConfig      `json:"cli"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to one guild
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"` // user IDs, empty = allow all
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// GuardrailConfig is the hazardous-command policy. The denylist always
// blocks, the allowlist passes simple commands whose leading token matches,
// confirm patterns require user approval within the timeout.
type GuardrailConfig struct {
	Denylist              []string `json:"denylist"`
	Allowlist             []string `json:"allowlist"`
	ConfirmPatterns       []string `json:"confirmPatterns"`
	ConfirmTimeoutSeconds int      `json:"confirmTimeoutSeconds"`
	AuditLog              bool     `json:"auditLog"`
}

type DelegationConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
	MaxIterations  int `json:"maxIterations"`
}

type RoutineConfig struct {
	Enabled             bool `json:"enabled"`
	TickIntervalSeconds int  `json:"tickIntervalSeconds"`
}

type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell"`
}

type ShellToolConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
	MaxOutputBytes int `json:"maxOutputBytes"`
}

// DefaultConfigDir returns the default config directory (~/.steward).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ExpandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has sane values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Reasoning.MaxIterations < 1 || cfg.Reasoning.MaxIterations > 200 {
		errs = append(errs, "reasoning.maxIterations must be between 1 and 200")
	}
	if cfg.General.Workers < 1 || cfg.General.Workers > 100 {
		errs = append(errs, "general.workers must be between 1 and 100")
	}
	if cfg.Reasoning.CompactThreshold > 0 && cfg.Reasoning.CompactKeep >= cfg.Reasoning.CompactThreshold {
		errs = append(errs, "reasoning.compactKeepRecent must be below reasoning.compactThreshold")
	}
	if cfg.Guardrail.ConfirmTimeoutSeconds < 1 {
		errs = append(errs, "guardrail.confirmTimeoutSeconds must be positive")
	}
	if cfg.Delegation.TimeoutSeconds < 1 {
		errs = append(errs, "delegation.timeoutSeconds must be positive")
	}
	if cfg.Routine.TickIntervalSeconds < 1 {
		errs = append(errs, "routine.tickIntervalSeconds must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original when no env var and no default
		}
		return val
	})
}

// ExpandPaths resolves "~/" prefixes in every path-valued field. Load calls
// it on parsed configs; callers falling back to Defaults must call it too,
// or a literal "~" directory ends up in the working directory.
func ExpandPaths(cfg *Config) {
	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.General.SkillsDir = expandPath(cfg.General.SkillsDir)
	cfg.Store.DBPath = expandPath(cfg.Store.DBPath)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
