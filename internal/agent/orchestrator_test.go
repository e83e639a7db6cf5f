package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/session"
	"github.com/skald-agent/skald/internal/skills"
)

// fakeGateway scripts each turn's stream events.
type fakeGateway struct {
	turns     [][]llm.StreamEvent
	err       error
	callCount int
}

func (g *fakeGateway) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []llm.ToolSchema, cb llm.StreamCallback) error {
	g.callCount++
	if g.err != nil {
		return g.err
	}
	turn := g.turns[0]
	if len(g.turns) > 1 {
		g.turns = g.turns[1:]
	}
	for _, e := range turn {
		cb(e)
	}
	return nil
}

type fakeRunner struct {
	calls []llm.ToolCall
}

func (r *fakeRunner) Execute(_ context.Context, call llm.ToolCall, _ []skills.Skill, _, _ string) string {
	r.calls = append(r.calls, call)
	return "tool output"
}

// offlineEmbedder always fails, so selection degrades to substring
// matching and never touches the network or the cache.
type offlineEmbedder struct{}

func (offlineEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("offline")
}

func testOrchestrator(t *testing.T, gw Gateway, runner ToolRunner) (*Orchestrator, *session.Session) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := skills.NewCatalog(nil, nil)
	selector := skills.NewSelector(catalog, offlineEmbedder{}, logger)
	store := config.NewStore(config.Default(), filepath.Join(t.TempDir(), "config.yaml"))

	sess, err := session.Open(filepath.Join(t.TempDir(), "work"), "work", "ollama/llama3.2", nil, logger)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := sess.AppendUserMessage("hi", nil); err != nil {
		t.Fatalf("append user message: %v", err)
	}

	return New(gw, runner, catalog, selector, store, logger), sess
}

func collectEmit(sink *[]events.Event) Emit {
	return func(e events.Event) { *sink = append(*sink, e) }
}

func TestRunPlainTextExchange(t *testing.T) {
	gw := &fakeGateway{turns: [][]llm.StreamEvent{{
		{Kind: llm.KindTextDelta, Text: "Hello"},
		{Kind: llm.KindTextDelta, Text: " there"},
	}}}
	o, sess := testOrchestrator(t, gw, &fakeRunner{})

	var emitted []events.Event
	text, err := o.Run(context.Background(), sess, collectEmit(&emitted))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "Hello there" {
		t.Errorf("text = %q, want %q", text, "Hello there")
	}

	// Leading thinking delta, two text deltas, terminal done event.
	if len(emitted) != 4 {
		t.Fatalf("got %d events, want 4: %v", len(emitted), emitted)
	}
	if emitted[0].Data["delta"] != "Thinking..." || emitted[0].Data["done"] != false {
		t.Errorf("first event = %+v, want leading thinking delta", emitted[0])
	}
	last := emitted[len(emitted)-1]
	if last.Name != events.NameResponse || last.Data["delta"] != "" || last.Data["done"] != true {
		t.Errorf("last event = %+v, want empty done:true response", last)
	}
}

func TestRunExecutesToolsThenFinishes(t *testing.T) {
	gw := &fakeGateway{turns: [][]llm.StreamEvent{
		{{Kind: llm.KindToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: "lookup", ArgumentsJSON: "{}"}}},
		{{Kind: llm.KindTextDelta, Text: "answer"}},
	}}
	runner := &fakeRunner{}
	o, sess := testOrchestrator(t, gw, runner)

	var emitted []events.Event
	text, err := o.Run(context.Background(), sess, collectEmit(&emitted))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "answer" {
		t.Errorf("text = %q, want %q", text, "answer")
	}
	if len(runner.calls) != 1 || runner.calls[0].Name != "lookup" {
		t.Errorf("runner calls = %v, want one lookup call", runner.calls)
	}

	var sawToolEvent bool
	for _, e := range emitted {
		if e.Name == events.NameToolCall {
			sawToolEvent = true
			if e.Data["tool"] != "lookup" || e.Data["result"] != "tool output" {
				t.Errorf("tool_call event = %+v", e)
			}
		}
	}
	if !sawToolEvent {
		t.Error("no tool_call event emitted")
	}
}

func TestRunTerminatesAtTurnCeiling(t *testing.T) {
	// A model that always answers with a tool call must be cut off.
	gw := &fakeGateway{turns: [][]llm.StreamEvent{{
		{Kind: llm.KindToolCall, ToolCall: &llm.ToolCall{ID: "c", Name: "spin", ArgumentsJSON: "{}"}},
	}}}
	runner := &fakeRunner{}
	o, sess := testOrchestrator(t, gw, runner)

	var emitted []events.Event
	_, err := o.Run(context.Background(), sess, collectEmit(&emitted))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gw.callCount != 10 {
		t.Errorf("model called %d times, want exactly the 10-turn ceiling", gw.callCount)
	}

	last := emitted[len(emitted)-1]
	if last.Data["done"] != true {
		t.Errorf("last event = %+v, want terminal done event even at ceiling", last)
	}
}

func TestRunStreamErrorTerminatesExchange(t *testing.T) {
	gw := &fakeGateway{err: errors.New("upstream 502")}
	o, sess := testOrchestrator(t, gw, &fakeRunner{})

	var emitted []events.Event
	_, err := o.Run(context.Background(), sess, collectEmit(&emitted))
	if err == nil {
		t.Fatal("expected stream error to surface")
	}
	if gw.callCount != 1 {
		t.Errorf("model called %d times, want 1 (no retry)", gw.callCount)
	}

	// The exchange still ends with the terminal frame so clients
	// waiting on done:true are released.
	if len(emitted) == 0 {
		t.Fatal("no events emitted")
	}
	last := emitted[len(emitted)-1]
	if last.Name != events.NameResponse || last.Data["delta"] != "" || last.Data["done"] != true {
		t.Errorf("last event = %+v, want empty done:true response", last)
	}
}

func TestRunFailsOnEmptyTranscript(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := skills.NewCatalog(nil, nil)
	selector := skills.NewSelector(catalog, offlineEmbedder{}, logger)
	store := config.NewStore(config.Default(), filepath.Join(t.TempDir(), "config.yaml"))
	o := New(&fakeGateway{}, &fakeRunner{}, catalog, selector, store, logger)

	sess, err := session.Open(filepath.Join(t.TempDir(), "empty"), "empty", "ollama/llama3.2", nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Run(context.Background(), sess, func(events.Event) {}); err == nil {
		t.Error("expected error for empty transcript")
	}
}
