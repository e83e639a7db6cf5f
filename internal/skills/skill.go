// Package skills loads capability packages from SKILL.md files and
// selects the ones relevant to an incoming message by embedding
// similarity, with cached vectors persisted in SQLite.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ToolDef declares one tool a skill exposes to the model. Exec, when
// set, is a shell command template the tool runner executes; WorkingDir
// overrides the default working directory (the skill's own directory).
type ToolDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Exec        string         `yaml:"exec"`
	WorkingDir  string         `yaml:"working_dir"`
}

// Skill is one capability package: a name, a short description used
// for retrieval, instruction text injected into the system prompt, and
// any tools the skill declares. Immutable after loading.
type Skill struct {
	Name         string
	Description  string
	Instructions string
	Path         string // directory containing SKILL.md
	Tools        []ToolDef
}

// EmbedText is the string embedded and cached per skill for retrieval.
func (s Skill) EmbedText() string {
	return fmt.Sprintf("%s: %s", s.Name, s.Description)
}

// Digest identifies the current content of the retrieval text, so a
// cached vector is reused only while name and description are
// unchanged.
func (s Skill) Digest() string {
	sum := sha256.Sum256([]byte(s.EmbedText()))
	return hex.EncodeToString(sum[:])
}
