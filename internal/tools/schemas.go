// Package tools executes the agent's tools: the built-in pagination
// and skill-script tools plus arbitrary skill-declared shell tools.
// Every execution persists its raw output on disk so the model can
// page through it later.
package tools

import "github.com/skald-agent/skald/internal/llm"

const (
	// PaginateToolName re-reads a prior tool call's stored output.
	PaginateToolName = "paginate_tool_output"

	// RunSkillScriptName executes a script shipped inside a skill.
	RunSkillScriptName = "run_skill_script"
)

// BuiltinSchemas returns the tool schemas exposed on every model call
// regardless of which skills are selected.
func BuiltinSchemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        PaginateToolName,
			Description: "Paginates the output of a previous tool call. Use this to see more lines, a specific range, or search for text in the full output of a tool.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_call_uuid": map[string]any{
						"type":        "string",
						"description": "The UUID of the tool call to paginate.",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Starting line number (0-indexed).",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Number of lines to return.",
					},
					"search": map[string]any{
						"type":        "string",
						"description": "Optional search term to filter lines.",
					},
				},
				"required": []string{"tool_call_uuid"},
			},
		},
		{
			Name:        RunSkillScriptName,
			Description: "Executes a script from an active skill's 'scripts' directory. Provide the skill name, script name (with extension), and an optional 'args' array.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_name": map[string]any{
						"type":        "string",
						"description": "The name of the skill containing the script.",
					},
					"script_name": map[string]any{
						"type":        "string",
						"description": "The name of the script file (e.g., 'browser-active.sh').",
					},
					"args": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Arguments to pass to the script.",
					},
				},
				"required": []string{"skill_name", "script_name"},
			},
		},
	}
}
