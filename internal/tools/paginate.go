package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// paginate re-reads a prior call's persisted stdout and returns a
// bounded slice of its lines, optionally filtered by a search
// substring. An unknown identifier is a not-found result, not a
// failure.
func (r *Runner) paginate(args map[string]any) string {
	runID, _ := args["tool_call_uuid"].(string)
	if runID == "" {
		return "error: paginate_tool_output requires tool_call_uuid"
	}

	data, err := os.ReadFile(filepath.Join(r.runsDir, runID, "stdout"))
	if err != nil {
		return fmt.Sprintf("error: no stored output for tool_call_uuid %s", runID)
	}

	lines := splitLines(string(data))
	if search, _ := args["search"].(string); search != "" {
		var matched []string
		for _, line := range lines {
			if strings.Contains(line, search) {
				matched = append(matched, line)
			}
		}
		lines = matched
	}

	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", r.cfg.Snapshot().ToolOutputLines)

	total := len(lines)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	result := strings.Join(lines[start:end], "\n")
	if end < total {
		result += fmt.Sprintf("\n[... more available: showing lines %d-%d of %d.]", start, end-1, total)
	}
	return result
}

// intArg reads a JSON number argument, which arrives as float64.
func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok || v < 0 {
		return def
	}
	return int(v)
}
