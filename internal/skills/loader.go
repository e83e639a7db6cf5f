package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// metadata is the YAML frontmatter of a SKILL.md file.
type metadata struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Tools       []ToolDef `yaml:"tools"`
}

// Load scans each directory for */SKILL.md and parses every match.
// A file that fails to parse is logged and skipped, never fatal.
// Directories are scanned in order and names are unique in the result,
// so a later directory's skill replaces an earlier one with the same
// name.
func Load(dirs []string, logger *slog.Logger) []Skill {
	byName := make(map[string]Skill)
	var order []string

	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*", "SKILL.md"))
		if err != nil {
			logger.Warn("bad skills directory pattern", "dir", dir, "error", err)
			continue
		}
		for _, path := range matches {
			skill, err := parseFile(path)
			if err != nil {
				logger.Warn("failed to load skill", "path", path, "error", err)
				continue
			}
			if dirName := filepath.Base(skill.Path); dirName != skill.Name {
				logger.Warn("skill folder name does not match metadata name",
					"folder", dirName, "name", skill.Name)
			}
			if _, seen := byName[skill.Name]; !seen {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	skills := make([]Skill, 0, len(order))
	for _, name := range order {
		skills = append(skills, byName[name])
	}
	return skills
}

// parseFile reads one SKILL.md: YAML frontmatter between "---" lines,
// then markdown instructions.
func parseFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read skill file: %w", err)
	}

	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Skill{}, err
	}

	var meta metadata
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return Skill{}, fmt.Errorf("parse skill frontmatter: %w", err)
	}
	if meta.Name == "" {
		return Skill{}, fmt.Errorf("skill frontmatter missing name")
	}

	return Skill{
		Name:         meta.Name,
		Description:  meta.Description,
		Instructions: strings.TrimSpace(body),
		Path:         filepath.Dir(path),
		Tools:        meta.Tools,
	}, nil
}

// splitFrontmatter separates the "---"-delimited YAML header from the
// markdown body.
func splitFrontmatter(raw string) (frontmatter, body string, err error) {
	if !strings.HasPrefix(raw, "---") {
		return "", "", fmt.Errorf("invalid SKILL.md format: missing YAML frontmatter")
	}
	rest := raw[3:]
	closeIdx := strings.Index(rest, "---")
	if closeIdx < 0 {
		return "", "", fmt.Errorf("invalid SKILL.md format: unterminated frontmatter")
	}
	return rest[:closeIdx], rest[closeIdx+3:], nil
}

const defaultSkillMarkdown = `---
name: joke-teller
description: Tells funny programming jokes. Use when user asks for a laugh.
---

# Joke Teller Instructions

You are a comedian specialized in programming humor.
When the user asks for a joke, provide one related to:
- Go error handling boilerplate
- Python whitespace
- Java verbosity

Keep it short and punchy.
`

// EnsureDefaults creates the user skills directory with an example
// skill on first run. An existing directory is left untouched.
func EnsureDefaults(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}

	jokeDir := filepath.Join(dir, "joke-teller")
	if err := os.MkdirAll(jokeDir, 0o755); err != nil {
		return fmt.Errorf("create default skills dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(jokeDir, "SKILL.md"), []byte(defaultSkillMarkdown), 0o644); err != nil {
		return fmt.Errorf("write default skill: %w", err)
	}
	return nil
}
