// Package config handles Muster configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds Muster configuration
type Config struct {
	// Database path (SQLite)
	DatabasePath string `koanf:"database_path"`

	// Worker settings
	Workers      int           `koanf:"workers"`
	PollInterval time.Duration `koanf:"poll_interval"`
	StallTimeout time.Duration `koanf:"stall_timeout"`
	RunTimeout   time.Duration `koanf:"run_timeout"`

	// Workspace settings
	WorkspaceDir string `koanf:"workspace_dir"`

	// LLM settings
	LLMBaseURL string `koanf:"llm_base_url"`
	LLMModel   string `koanf:"llm_model"`
	LLMAPIKey  Secret `koanf:"llm_api_key"`

	// Webhook ingress settings
	ListenAddr   string `koanf:"listen_addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`

	// GitHub API base URL override (tests, GitHub Enterprise)
	GitHubBaseURL string `koanf:"github_base_url"`

	// Logging
	LogLevel string `koanf:"log_level"`
	Verbose  bool   `koanf:"verbose"`
}

// Load reads configuration from defaults, an optional YAML file,
// and MUSTER_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DatabasePath: defaultDatabasePath(),
		Workers:      3,
		PollInterval: 2 * time.Second,
		StallTimeout: 30 * time.Minute,
		RunTimeout:   30 * time.Minute,
		WorkspaceDir: filepath.Join(os.TempDir(), "muster-workspaces"),
		LLMBaseURL:   "https://api.openai.com/v1",
		LLMModel:     "gpt-4o",
		ListenAddr:   ":8090",
		MaxBodyBytes: 1 << 20,
		LogLevel:     "info",
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("MUSTER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "MUSTER_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// defaultDatabasePath returns SQLite in the project directory
func defaultDatabasePath() string {
	dir, err := os.Getwd()
	if err != nil {
		return filepath.Join(".muster", "muster.db")
	}
	return filepath.Join(dir, ".muster", "muster.db")
}
