// Package agent drives the bounded model/tool conversation loop: it
// streams a model turn, executes any tool calls the model requested,
// feeds the results back, and repeats until the model answers in
// plain text or the turn ceiling is hit.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/session"
	"github.com/skald-agent/skald/internal/skills"
)

// maxTurns bounds runaway tool-call loops from a confused model. The
// loop gives up after this many model turns and surfaces whatever text
// has accumulated.
const maxTurns = 10

// toolResultPreviewLen bounds the result preview in tool_call events.
const toolResultPreviewLen = 200

// Gateway is the streaming model client the orchestrator drives.
type Gateway interface {
	ChatStream(ctx context.Context, modelID string, messages []llm.Message, toolSchemas []llm.ToolSchema, cb llm.StreamCallback) error
}

// ToolRunner executes one tool call and returns its textual result.
type ToolRunner interface {
	Execute(ctx context.Context, call llm.ToolCall, turnSkills []skills.Skill, userMessage, assistantText string) string
}

// Emit receives the observable events of an exchange, in order:
// skill_used announcements, a leading thinking delta, text deltas,
// tool_call announcements, and a terminal done event.
type Emit func(e events.Event)

// Orchestrator runs one message exchange per Run call. Safe for
// concurrent use across sessions; concurrent exchanges on one session
// serialize on the session's own lock.
type Orchestrator struct {
	gateway  Gateway
	runner   ToolRunner
	catalog  *skills.Catalog
	selector *skills.Selector
	cfg      *config.Store
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(gateway Gateway, runner ToolRunner, catalog *skills.Catalog, selector *skills.Selector, cfg *config.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:  gateway,
		runner:   runner,
		catalog:  catalog,
		selector: selector,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the model/tool loop for the session's latest user
// message and returns the assistant's accumulated text. A stream error
// terminates the exchange immediately with whatever text accumulated
// before it; the caller decides how to report it. Run does not append
// the assistant message to the session.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, emit Emit) (string, error) {
	snap := o.cfg.Snapshot()

	assembled, err := sess.AssembleContext(ctx, o.catalog, o.selector, snap.EmbeddingModel, snap.BannedSkills)
	if err != nil {
		return "", err
	}

	sessionID := sess.ID()
	for _, sk := range assembled.Skills {
		emit(events.Event{Name: events.NameSkillUsed, SessionID: sessionID, Data: map[string]any{
			"skill":  sk.Name,
			"result": "Skill instructions injected.",
		}})
	}

	emit(events.Event{Name: events.NameResponse, SessionID: sessionID, Data: map[string]any{
		"delta": "Thinking...",
		"done":  false,
	}})

	lastUser := ""
	if history := sess.History(); len(history) > 0 {
		lastUser = history[len(history)-1].Content
	}

	messages := assembled.Messages
	var response strings.Builder

	for turn := 1; ; turn++ {
		if turn > maxTurns {
			o.logger.Warn("tool loop hit turn ceiling", "session_id", sessionID, "max_turns", maxTurns)
			break
		}

		var turnText strings.Builder
		var calls []llm.ToolCall

		streamErr := o.gateway.ChatStream(ctx, sess.Model(), messages, assembled.Tools, func(e llm.StreamEvent) {
			switch e.Kind {
			case llm.KindTextDelta:
				turnText.WriteString(e.Text)
				if e.Text != "" {
					emit(events.Event{Name: events.NameResponse, SessionID: sessionID, Data: map[string]any{
						"delta": e.Text,
						"done":  false,
					}})
				}
			case llm.KindToolCall:
				calls = append(calls, *e.ToolCall)
			}
		})
		response.WriteString(turnText.String())
		if streamErr != nil {
			// Clients key on done:true to end the exchange, so the
			// terminal frame is sent even when the stream died.
			emit(events.Event{Name: events.NameResponse, SessionID: sessionID, Data: map[string]any{
				"delta": "",
				"done":  true,
			}})
			return response.String(), fmt.Errorf("llm stream error: %w", streamErr)
		}

		if len(calls) == 0 {
			break
		}

		o.logger.Info("model requested tools", "session_id", sessionID, "turn", turn, "calls", len(calls))
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   turnText.String(),
			ToolCalls: calls,
		})

		for _, call := range calls {
			result := o.runner.Execute(ctx, call, assembled.Skills, lastUser, turnText.String())
			emit(events.Event{Name: events.NameToolCall, SessionID: sessionID, Data: map[string]any{
				"tool":   call.Name,
				"result": preview(result),
			}})
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	emit(events.Event{Name: events.NameResponse, SessionID: sessionID, Data: map[string]any{
		"delta": "",
		"done":  true,
	}})
	return response.String(), nil
}

func preview(s string) string {
	if len(s) <= toolResultPreviewLen {
		return s
	}
	return s[:toolResultPreviewLen] + "..."
}
