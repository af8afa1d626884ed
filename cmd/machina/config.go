package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all machina configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	DefinitionsDir string `json:"definitions_dir"`
	LogLevel       string `json:"log_level"`
	Workdir        string `json:"workdir"`

	MaxCycles       int    `json:"max_cycles"`
	MaxNestingDepth int    `json:"max_nesting_depth"`
	ShellTimeout    string `json:"shell_timeout"`

	// AgentBackend selects the prompt_execution backend: "remote", "local"
	// or "" (prompt actions fail with an agent error).
	AgentBackend string `json:"agent_backend"`

	// Remote backend: external MCP agent process.
	AgentCommand []string `json:"agent_command"`
	AgentTool    string   `json:"agent_tool"`

	// Local backend: in-process model singleton.
	ModelPath     string   `json:"model_path"`
	ModelBaseURL  string   `json:"model_base_url"`
	ModelServer   []string `json:"model_server"`
	ModelCtxSize  int      `json:"model_ctx_size"`
	ToolsCommand  []string `json:"tools_command"`

	// Scheduler fires persisted cron schedules while serving.
	SchedulerEnabled bool `json:"scheduler_enabled"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(machinaDir(), "machina.db"),
		DefinitionsDir: filepath.Join(machinaDir(), "workflows"),
		LogLevel:       "info",
	}
}

func machinaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".machina"
	}
	return filepath.Join(home, ".machina")
}

func settingsPath() string {
	return filepath.Join(machinaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MACHINA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MACHINA_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("MACHINA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MACHINA_WORKDIR"); v != "" {
		cfg.Workdir = v
	}
	if v := os.Getenv("MACHINA_MAX_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCycles = n
		}
	}
	if v := os.Getenv("MACHINA_MAX_NESTING_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNestingDepth = n
		}
	}
	if v := os.Getenv("MACHINA_SHELL_TIMEOUT"); v != "" {
		cfg.ShellTimeout = v
	}
	if v := os.Getenv("MACHINA_AGENT_BACKEND"); v != "" {
		cfg.AgentBackend = v
	}
	if v := os.Getenv("MACHINA_SCHEDULER"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}

	return cfg
}

// shellTimeout parses the configured shell timeout, zero when unset.
func (c Config) shellTimeout() time.Duration {
	if c.ShellTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.ShellTimeout)
	if err != nil {
		return 0
	}
	return d
}
