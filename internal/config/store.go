package config

import (
	"fmt"
	"sync"
)

// Store is the shared, guarded configuration handle. Every read and
// write in the process goes through the same Store so that protocol
// mutations are visible to all components immediately. Mutations are
// persisted with an explicit Save after each change.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStore wraps a loaded Config. path is where Save writes.
func NewStore(cfg *Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Snapshot returns a copy of the current configuration. Slices are
// copied so callers cannot mutate shared state through the snapshot.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := *s.cfg
	out.SkillsDirs = append([]string(nil), s.cfg.SkillsDirs...)
	out.InitialSkills = append([]string(nil), s.cfg.InitialSkills...)
	out.BannedSkills = append([]string(nil), s.cfg.BannedSkills...)
	return out
}

// Save persists the current configuration to the file it was loaded
// from.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return write(s.cfg, s.path)
}

// Keys returns every key accepted by Get and Set, in a stable order.
func Keys() []string {
	return []string{
		"socket_path",
		"data_dir",
		"default_model",
		"embedding_model",
		"proxy_url",
		"skills_dirs",
		"initial_skills",
		"banned_skills",
		"proactive_interval_secs",
		"tool_output_lines",
		"log_level",
	}
}

// Get returns the value for a config key in a JSON-encodable form.
func (s *Store) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch key {
	case "socket_path":
		return s.cfg.SocketPath, nil
	case "data_dir":
		return s.cfg.DataDir, nil
	case "default_model":
		return s.cfg.DefaultModel, nil
	case "embedding_model":
		return s.cfg.EmbeddingModel, nil
	case "proxy_url":
		return s.cfg.ProxyURL, nil
	case "skills_dirs":
		return append([]string(nil), s.cfg.SkillsDirs...), nil
	case "initial_skills":
		return append([]string(nil), s.cfg.InitialSkills...), nil
	case "banned_skills":
		return append([]string(nil), s.cfg.BannedSkills...), nil
	case "proactive_interval_secs":
		return s.cfg.ProactiveIntervalSecs, nil
	case "tool_output_lines":
		return s.cfg.ToolOutputLines, nil
	case "log_level":
		return s.cfg.LogLevel, nil
	default:
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
}

// Set updates a config key from a decoded JSON value and persists the
// result. Type mismatches and unknown keys are rejected without
// modifying anything.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()

	var err error
	switch key {
	case "socket_path":
		err = setString(&s.cfg.SocketPath, key, value)
	case "data_dir":
		err = setString(&s.cfg.DataDir, key, value)
	case "default_model":
		err = setString(&s.cfg.DefaultModel, key, value)
	case "embedding_model":
		err = setString(&s.cfg.EmbeddingModel, key, value)
	case "proxy_url":
		err = setString(&s.cfg.ProxyURL, key, value)
	case "skills_dirs":
		err = setStringSlice(&s.cfg.SkillsDirs, key, value)
	case "initial_skills":
		err = setStringSlice(&s.cfg.InitialSkills, key, value)
	case "banned_skills":
		err = setStringSlice(&s.cfg.BannedSkills, key, value)
	case "proactive_interval_secs":
		err = setInt(&s.cfg.ProactiveIntervalSecs, key, value)
	case "tool_output_lines":
		err = setInt(&s.cfg.ToolOutputLines, key, value)
	case "log_level":
		err = setString(&s.cfg.LogLevel, key, value)
	default:
		err = fmt.Errorf("unknown config key: %s", key)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Save()
}

// BanSkill adds name to the banned list (idempotent) and saves.
func (s *Store) BanSkill(name string) error {
	s.mu.Lock()
	for _, b := range s.cfg.BannedSkills {
		if b == name {
			s.mu.Unlock()
			return nil
		}
	}
	s.cfg.BannedSkills = append(s.cfg.BannedSkills, name)
	s.mu.Unlock()
	return s.Save()
}

// UnbanSkill removes name from the banned list (idempotent) and saves.
func (s *Store) UnbanSkill(name string) error {
	s.mu.Lock()
	kept := s.cfg.BannedSkills[:0]
	for _, b := range s.cfg.BannedSkills {
		if b != name {
			kept = append(kept, b)
		}
	}
	s.cfg.BannedSkills = kept
	s.mu.Unlock()
	return s.Save()
}

func setString(dst *string, key string, value any) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("config key %s expects a string, got %T", key, value)
	}
	*dst = v
	return nil
}

func setInt(dst *int, key string, value any) error {
	switch v := value.(type) {
	case float64:
		// encoding/json decodes all numbers as float64.
		if v != float64(int(v)) {
			return fmt.Errorf("config key %s expects an integer, got %v", key, v)
		}
		*dst = int(v)
		return nil
	case int:
		*dst = v
		return nil
	default:
		return fmt.Errorf("config key %s expects an integer, got %T", key, value)
	}
}

func setStringSlice(dst *[]string, key string, value any) error {
	switch v := value.(type) {
	case []string:
		*dst = append([]string(nil), v...)
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("config key %s expects strings, got %T", key, item)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	default:
		return fmt.Errorf("config key %s expects a string list, got %T", key, value)
	}
}
