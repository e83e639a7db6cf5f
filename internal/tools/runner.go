package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/skills"
)

// Runner executes tool calls. Failures of any kind (unknown tool,
// missing skill or script, command error) come back as textual
// "error: ..." results so the model can see and react to them; Execute
// never reports an error to its caller.
type Runner struct {
	runsDir string
	catalog *skills.Catalog
	cfg     *config.Store
	logger  *slog.Logger
}

// NewRunner creates a tool runner persisting call artifacts under
// runsDir (one subdirectory per call).
func NewRunner(runsDir string, catalog *skills.Catalog, cfg *config.Store, logger *slog.Logger) (*Runner, error) {
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tool runs directory: %w", err)
	}
	return &Runner{runsDir: runsDir, catalog: catalog, cfg: cfg, logger: logger}, nil
}

// CallRecord is the persisted description of one tool invocation,
// written next to its raw stdout/stderr.
type CallRecord struct {
	Timestamp     string `json:"timestamp"`
	Tool          string `json:"tool"`
	Arguments     string `json:"arguments"`
	UserMessage   string `json:"user_message"`
	AssistantText string `json:"assistant_text"`
}

// Execute runs one tool call against the skills selected for this
// turn. userMessage and assistantText are recorded in the call
// artifacts for later inspection.
func (r *Runner) Execute(ctx context.Context, call llm.ToolCall, turnSkills []skills.Skill, userMessage, assistantText string) string {
	args := make(map[string]any)
	if call.ArgumentsJSON != "" {
		if err := json.Unmarshal([]byte(call.ArgumentsJSON), &args); err != nil {
			return fmt.Sprintf("error: invalid arguments for tool %s: %v", call.Name, err)
		}
	}

	switch call.Name {
	case PaginateToolName:
		return r.paginate(args)
	case RunSkillScriptName:
		return r.runSkillScript(ctx, call, args, userMessage, assistantText)
	default:
		return r.runDeclaredTool(ctx, call, args, turnSkills, userMessage, assistantText)
	}
}

func (r *Runner) runSkillScript(ctx context.Context, call llm.ToolCall, args map[string]any, userMessage, assistantText string) string {
	skillName, _ := args["skill_name"].(string)
	scriptName, _ := args["script_name"].(string)
	if skillName == "" || scriptName == "" {
		return "error: run_skill_script requires skill_name and script_name"
	}

	sk, ok := r.catalog.Get(skillName)
	if !ok {
		return fmt.Sprintf("error: unknown skill: %s", skillName)
	}

	scriptPath := filepath.Join(sk.Path, "scripts", scriptName)
	if _, err := os.Stat(scriptPath); err != nil {
		// Older skills keep scripts next to SKILL.md.
		scriptPath = filepath.Join(sk.Path, scriptName)
		if _, err := os.Stat(scriptPath); err != nil {
			return fmt.Sprintf("error: script %s not found in skill %s", scriptName, skillName)
		}
	}

	command := shellQuote(scriptPath)
	if rawArgs, ok := args["args"].([]any); ok {
		for _, a := range rawArgs {
			command += " " + shellQuote(fmt.Sprint(a))
		}
	}

	return r.runCommand(ctx, call, command, sk.Path, userMessage, assistantText)
}

func (r *Runner) runDeclaredTool(ctx context.Context, call llm.ToolCall, args map[string]any, turnSkills []skills.Skill, userMessage, assistantText string) string {
	for _, sk := range turnSkills {
		for _, def := range sk.Tools {
			if def.Name != call.Name {
				continue
			}
			if def.Exec == "" {
				return fmt.Sprintf("error: tool %s declares no command", call.Name)
			}

			command := def.Exec
			for key, value := range args {
				command = strings.ReplaceAll(command, "{"+key+"}", shellQuote(fmt.Sprint(value)))
			}

			workingDir := def.WorkingDir
			if workingDir == "" {
				workingDir = sk.Path
			}
			return r.runCommand(ctx, call, command, workingDir, userMessage, assistantText)
		}
	}
	return fmt.Sprintf("error: unknown tool: %s", call.Name)
}

// runCommand executes the shell command, persists the call artifacts,
// and returns the head-truncated summary shown to the model.
func (r *Runner) runCommand(ctx context.Context, call llm.ToolCall, command, workingDir, userMessage, assistantText string) string {
	runID := uuid.NewString()
	runDir := filepath.Join(r.runsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Sprintf("error: create tool run directory: %v", err)
	}

	r.logger.Info("executing tool", "tool", call.Name, "tool_call_uuid", runID, "working_dir", workingDir)
	r.logger.Debug("tool command", "tool_call_uuid", runID, "command", command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	record := CallRecord{
		Timestamp:     time.Now().Format(time.RFC3339),
		Tool:          call.Name,
		Arguments:     call.ArgumentsJSON,
		UserMessage:   userMessage,
		AssistantText: assistantText,
	}
	if data, err := json.MarshalIndent(record, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(runDir, "record.json"), data, 0o644); err != nil {
			r.logger.Warn("failed to write tool call record", "tool_call_uuid", runID, "error", err)
		}
	}
	if err := os.WriteFile(filepath.Join(runDir, "stdout"), stdout.Bytes(), 0o644); err != nil {
		r.logger.Warn("failed to persist tool stdout", "tool_call_uuid", runID, "error", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "stderr"), stderr.Bytes(), 0o644); err != nil {
		r.logger.Warn("failed to persist tool stderr", "tool_call_uuid", runID, "error", err)
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return fmt.Sprintf("error: failed to run tool %s: %v", call.Name, runErr)
		}
	}

	return r.summarize(runID, stdout.String(), stderr.String(), runErr)
}

// summarize builds the text the model sees: the head of stdout up to
// the configured line count, a truncation notice pointing at the
// pagination tool, and a short stderr excerpt when present.
func (r *Runner) summarize(runID, stdout, stderr string, runErr error) string {
	maxLines := r.cfg.Snapshot().ToolOutputLines

	lines := splitLines(stdout)
	shown := lines
	if len(lines) > maxLines {
		shown = lines[:maxLines]
	}

	var sb strings.Builder
	if runErr != nil {
		fmt.Fprintf(&sb, "command failed: %v\n", runErr)
	}
	sb.WriteString(strings.Join(shown, "\n"))
	if len(lines) > maxLines {
		fmt.Fprintf(&sb, "\n[... %d more lines. Use %s with tool_call_uuid %q to see the rest.]",
			len(lines)-maxLines, PaginateToolName, runID)
	}
	if stderr != "" {
		excerpt := splitLines(stderr)
		if len(excerpt) > 5 {
			excerpt = excerpt[:5]
		}
		sb.WriteString("\nstderr: " + strings.Join(excerpt, "\n"))
	}
	return sb.String()
}

// splitLines splits on newlines, dropping a single trailing empty line
// produced by a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// shellQuote wraps s in single quotes, escaping embedded quotes so the
// value passes through sh unmodified.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
