// Package config loads and validates the executor's configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/zephyrfeng/kandev-executor/internal/common/errors"
)

// ExecutionMode selects how a task is carried out by default.
type ExecutionMode string

const (
	ExecutionModeAPI     ExecutionMode = "api"
	ExecutionModeProcess ExecutionMode = "process"
)

// WindowMode selects how the process-exec back-end launches the external tool.
type WindowMode string

const (
	WindowModeNative   WindowMode = "window_native"
	WindowModeAlt      WindowMode = "window_alt"
	WindowModeHeadless WindowMode = "headless"
	WindowModeContainer WindowMode = "container"
)

// AuthConfig configures the identity provider used by the auth token store.
type AuthConfig struct {
	IdentityURL     string
	IdentityAnonKey string
	CacheDir        string // overrides the default XDG/HOME cache location; used in tests
}

// ModelAPIConfig configures the model back-end (C3).
type ModelAPIConfig struct {
	APIKey        string
	ModelName     string
	MaxTokens     int
	RequestTimeoutSeconds int
}

// ProcessConfig configures the process-exec back-end (C5/C6/C7).
type ProcessConfig struct {
	ExternalToolPath string
	WindowMode       WindowMode
	TerminalApp      string // loaded from terminal_app; not read by the session manager, whose window_alt mode always targets iTerm
}

// WorkspaceConfig configures the workspace manager (C4).
type WorkspaceConfig struct {
	BaseDir       string
	AutoCleanup   bool
	MaxAgeHours   int
}

// DockerConfig configures the optional container launch adapter.
type DockerConfig struct {
	Host       string
	APIVersion string
	Image      string
}

// StatusAPIConfig configures the embedded operator status server.
type StatusAPIConfig struct {
	Enabled bool
	Addr    string
}

// HistoryConfig configures the local execution history store.
type HistoryConfig struct {
	Enabled bool
	DBPath  string
}

// LoggingConfig mirrors logger.LoggingConfig so config stays the only
// package that knows about env/file loading.
type LoggingConfig struct {
	Level  string
	Format string
}

// Config is the fully resolved, validated executor configuration.
type Config struct {
	OrchestratorURL     string
	AgentName           string
	MaxConcurrentTasks  int
	PollIntervalSeconds int
	TaskTimeoutSeconds  int
	ExecutionMode       ExecutionMode

	Auth      AuthConfig
	ModelAPI  ModelAPIConfig
	Process   ProcessConfig
	Workspace WorkspaceConfig
	Docker    DockerConfig
	StatusAPI StatusAPIConfig
	History   HistoryConfig
	Logging   LoggingConfig
}

// Load reads configuration from environment variables prefixed
// KANDEV_EXECUTOR_, with an optional config.yaml in the working directory or
// $HOME/.kandev-executor overriding defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KANDEV_EXECUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.kandev-executor")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetDefault("agent_name", "zephyr-executor-1")
	v.SetDefault("max_concurrent_tasks", 2)
	v.SetDefault("poll_interval_s", 30)
	v.SetDefault("task_timeout_s", 600)
	v.SetDefault("execution_mode", string(ExecutionModeAPI))
	v.SetDefault("model_name", "claude-sonnet-4-20250514")
	v.SetDefault("max_tokens_per_request", 4096)
	v.SetDefault("model_request_timeout_s", 60)
	v.SetDefault("window_mode", string(WindowModeHeadless))
	v.SetDefault("workspace_base", "./workspaces")
	v.SetDefault("auto_cleanup_workspaces", true)
	v.SetDefault("workspace_max_age_h", 24)
	v.SetDefault("status_api_enabled", true)
	v.SetDefault("status_api_addr", ":8787")
	v.SetDefault("history_enabled", true)
	v.SetDefault("history_db_path", "./executor_history.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	cfg := &Config{
		OrchestratorURL:     v.GetString("orchestrator_url"),
		AgentName:           v.GetString("agent_name"),
		MaxConcurrentTasks:  v.GetInt("max_concurrent_tasks"),
		PollIntervalSeconds: v.GetInt("poll_interval_s"),
		TaskTimeoutSeconds:  v.GetInt("task_timeout_s"),
		ExecutionMode:       ExecutionMode(v.GetString("execution_mode")),
		Auth: AuthConfig{
			IdentityURL:     v.GetString("identity_url"),
			IdentityAnonKey: v.GetString("identity_anon_key"),
			CacheDir:        v.GetString("auth_cache_dir"),
		},
		ModelAPI: ModelAPIConfig{
			APIKey:                v.GetString("model_api_key"),
			ModelName:             v.GetString("model_name"),
			MaxTokens:             v.GetInt("max_tokens_per_request"),
			RequestTimeoutSeconds: v.GetInt("model_request_timeout_s"),
		},
		Process: ProcessConfig{
			ExternalToolPath: v.GetString("external_tool_path"),
			WindowMode:       WindowMode(v.GetString("window_mode")),
			TerminalApp:      v.GetString("terminal_app"),
		},
		Workspace: WorkspaceConfig{
			BaseDir:     v.GetString("workspace_base"),
			AutoCleanup: v.GetBool("auto_cleanup_workspaces"),
			MaxAgeHours: v.GetInt("workspace_max_age_h"),
		},
		Docker: DockerConfig{
			Host:       v.GetString("docker_host"),
			APIVersion: v.GetString("docker_api_version"),
			Image:      v.GetString("docker_image"),
		},
		StatusAPI: StatusAPIConfig{
			Enabled: v.GetBool("status_api_enabled"),
			Addr:    v.GetString("status_api_addr"),
		},
		History: HistoryConfig{
			Enabled: v.GetBool("history_enabled"),
			DBPath:  v.GetString("history_db_path"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the range checks from the spec's configuration table.
// Failures are config_invalid errors: fatal at startup.
func (c *Config) Validate() error {
	if c.OrchestratorURL == "" {
		return errors.ConfigInvalid("orchestrator_url is required")
	}
	if c.MaxConcurrentTasks < 1 || c.MaxConcurrentTasks > 10 {
		return errors.ConfigInvalid(fmt.Sprintf("max_concurrent_tasks must be between 1 and 10, got %d", c.MaxConcurrentTasks))
	}
	if c.PollIntervalSeconds < 5 {
		return errors.ConfigInvalid(fmt.Sprintf("poll_interval_s must be >= 5, got %d", c.PollIntervalSeconds))
	}
	if c.ModelAPI.MaxTokens < 100 {
		return errors.ConfigInvalid(fmt.Sprintf("max_tokens_per_request must be >= 100, got %d", c.ModelAPI.MaxTokens))
	}
	switch c.ExecutionMode {
	case ExecutionModeAPI, ExecutionModeProcess:
	default:
		return errors.ConfigInvalid(fmt.Sprintf("execution_mode must be %q or %q, got %q", ExecutionModeAPI, ExecutionModeProcess, c.ExecutionMode))
	}
	switch c.Process.WindowMode {
	case WindowModeNative, WindowModeAlt, WindowModeHeadless, WindowModeContainer:
	default:
		return errors.ConfigInvalid(fmt.Sprintf("window_mode %q is not recognized", c.Process.WindowMode))
	}
	if c.ExecutionMode == ExecutionModeAPI && c.ModelAPI.APIKey == "" {
		return errors.ConfigInvalid(fmt.Sprintf("model_api_key is required when execution_mode is %q", ExecutionModeAPI))
	}
	if c.ExecutionMode == ExecutionModeProcess && c.Process.ExternalToolPath == "" {
		return errors.ConfigInvalid(fmt.Sprintf("external_tool_path is required when execution_mode is %q", ExecutionModeProcess))
	}
	return nil
}
