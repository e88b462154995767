package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for threadkit.
type Config struct {
	// ListenAddr is the HTTP listen address.
	// If empty, 127.0.0.1:8177 is used.
	ListenAddr string `json:"listen_addr,omitempty"`

	// StateDir holds the thread database.
	// If empty, ~/.threadkit is used.
	StateDir string `json:"state_dir,omitempty"`

	// AgentsPath points to the YAML agent definition file.
	AgentsPath string `json:"agents_path"`

	// Provider selects the model backend: "openai" or "anthropic".
	Provider string `json:"provider"`

	// Model overrides the provider's default model id.
	Model string `json:"model,omitempty"`

	// DefaultAgent names the agent new runs start with. If empty, the
	// agent file's default applies.
	DefaultAgent string `json:"default_agent,omitempty"`

	// DisableAutoTitle turns off deriving thread titles from the first
	// user message.
	DisableAutoTitle bool `json:"disable_auto_title,omitempty"`

	// WebSearchAPIKey enables the built-in web_search tool when set.
	WebSearchAPIKey string `json:"web_search_api_key,omitempty"`
	// WebSearchProvider selects the search backend. Empty means brave.
	WebSearchProvider string `json:"web_search_provider,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.AgentsPath) == "" {
		return errors.New("missing agents_path")
	}
	switch strings.TrimSpace(c.Provider) {
	case "openai", "anthropic":
	case "":
		return errors.New("missing provider")
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	return nil
}

func (c *Config) Listen() string {
	if addr := strings.TrimSpace(c.ListenAddr); addr != "" {
		return addr
	}
	return "127.0.0.1:8177"
}

// DBPath returns the SQLite database location under the state dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.stateDir(), "threads.db")
}

// LockPath returns the single-instance lock file location under the
// state dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.stateDir(), "threadkit.lock")
}

func (c *Config) stateDir() string {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return filepath.Join(home, ".threadkit")
}

// DefaultConfigPath returns the default config path:
//
//	~/.threadkit/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "threadkit.config.json"
	}
	return filepath.Join(home, ".threadkit", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
