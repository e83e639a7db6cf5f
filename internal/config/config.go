// Package config handles Skald configuration loading and persistence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all Skald configuration. Fields map one-to-one onto the
// keys accepted by the config protocol command; see Keys.
type Config struct {
	// SocketPath is where the Unix domain socket is created.
	SocketPath string `yaml:"socket_path"`
	// DataDir is the root for sessions, tool run artifacts, the
	// embedding cache database, and log files.
	DataDir string `yaml:"data_dir"`
	// DefaultModel is the "provider/model" used by new sessions.
	DefaultModel string `yaml:"default_model"`
	// EmbeddingModel is the "provider/model" used for skill selection.
	EmbeddingModel string `yaml:"embedding_model"`
	// ProxyURL is the base URL of the LLM proxy all providers are
	// reached through.
	ProxyURL string `yaml:"proxy_url"`
	// SkillsDirs are scanned for */SKILL.md packages at startup.
	SkillsDirs []string `yaml:"skills_dirs"`
	// InitialSkills are activated on every newly created session.
	InitialSkills []string `yaml:"initial_skills"`
	// BannedSkills are excluded from dynamic selection.
	BannedSkills []string `yaml:"banned_skills"`
	// ProactiveIntervalSecs is the period of the proactive broadcast
	// loop. The loop re-reads this each tick, so changes apply live.
	ProactiveIntervalSecs int `yaml:"proactive_interval_secs"`
	// ToolOutputLines caps the stdout lines returned to the model per
	// tool call before pagination is required.
	ToolOutputLines int `yaml:"tool_output_lines"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/skald/config.yaml, /etc/skald/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skald", "config.yaml"))
	}

	paths = append(paths, "/etc/skald/config.yaml")
	return paths
}

// UserConfigPath returns the per-user config file location. It is where
// a default config is written when no config file exists anywhere.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "skald", "config.yaml"), nil
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		SocketPath:            "/tmp/skald.sock",
		DefaultModel:          "ollama/llama3.2",
		EmbeddingModel:        "ollama/nomic-embed-text",
		ProxyURL:              "http://localhost:8080",
		ProactiveIntervalSecs: 300,
		ToolOutputLines:       20,
		LogLevel:              "info",
	}

	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".local", "share", "skald")
		cfg.SkillsDirs = []string{
			filepath.Join(home, ".config", "skald", "skills"),
			"/usr/share/skald/skills",
		}
	} else {
		cfg.DataDir = "skald-data"
		cfg.SkillsDirs = []string{"/usr/share/skald/skills"}
	}

	return cfg
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing. Fields missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrCreate loads the config from explicit (or the search paths). If
// no config file exists anywhere, a default one is written to the
// per-user location and returned. The path the config came from is
// returned alongside it so Save knows where to write.
func LoadOrCreate(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	if err == nil {
		cfg, lerr := Load(path)
		if lerr != nil {
			return nil, "", lerr
		}
		return cfg, path, nil
	}
	if explicit != "" {
		return nil, "", err
	}

	path, err = UserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create config directory: %w", err)
	}

	cfg := Default()
	if err := write(cfg, path); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// write marshals cfg to YAML at path.
func write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory. Paths
// without a tilde are returned unchanged.
func ExpandPath(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
