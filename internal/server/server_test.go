package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skald-agent/skald/internal/agent"
	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/session"
	"github.com/skald-agent/skald/internal/skills"
	"github.com/skald-agent/skald/internal/tools"
)

// scriptedGateway streams a fixed text answer for every exchange.
type scriptedGateway struct {
	deltas []string
}

func (g *scriptedGateway) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []llm.ToolSchema, cb llm.StreamCallback) error {
	for _, d := range g.deltas {
		cb(llm.StreamEvent{Kind: llm.KindTextDelta, Text: d})
	}
	return nil
}

type offlineEmbedder struct{}

func (offlineEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return nil, fmt.Errorf("offline")
}

// startTestServer wires a full server around a scripted gateway and
// returns a connected client plus the broadcast bus.
func startTestServer(t *testing.T) (*testClient, *events.Bus) {
	t.Helper()
	return startTestServerGateway(t, &scriptedGateway{deltas: []string{"Hel", "lo"}})
}

func startTestServerGateway(t *testing.T, gw agent.Gateway) (*testClient, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Unix socket paths are length-limited, so avoid t.TempDir here.
	sockDir, err := os.MkdirTemp("", "skald")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	socketPath := filepath.Join(sockDir, "s.sock")

	store := config.NewStore(config.Default(), filepath.Join(sockDir, "config.yaml"))
	bus := events.New()
	mgr, err := session.NewManager(filepath.Join(sockDir, "sessions"), store, bus, logger)
	if err != nil {
		t.Fatal(err)
	}

	catalog := skills.NewCatalog(nil, nil)
	selector := skills.NewSelector(catalog, offlineEmbedder{}, logger)
	runner, err := tools.NewRunner(filepath.Join(sockDir, "tool_runs"), catalog, store, logger)
	if err != nil {
		t.Fatal(err)
	}
	orch := agent.New(gw, runner, catalog, selector, store, logger)

	srv := New(socketPath, mgr, orch, store, catalog, selector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}, bus
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("parse reply %q: %v", line, err)
	}
	return msg
}

func TestScenarioCreateThenSend(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`{"command":"session","arguments":{"action":"create","session_id":"work"}}`)
	created := c.recv()
	if created["event"] != "created" || created["session_id"] != "work" || created["model"] != "ollama/llama3.2" {
		t.Fatalf("created reply = %v", created)
	}

	c.send(`{"command":"session","arguments":{"action":"send","session_id":"work","message":"hi"}}`)

	first := c.recv()
	if first["event"] != "response" || first["delta"] != "Thinking..." || first["done"] != false {
		t.Fatalf("first event = %v, want leading thinking response", first)
	}

	var deltas string
	for {
		msg := c.recv()
		if msg["event"] != "response" {
			t.Fatalf("unexpected event: %v", msg)
		}
		if msg["done"] == true {
			if msg["delta"] != "" {
				t.Errorf("terminal event delta = %v, want empty", msg["delta"])
			}
			break
		}
		deltas += msg["delta"].(string)
	}
	if deltas != "Hello" {
		t.Errorf("streamed text = %q, want %q", deltas, "Hello")
	}
}

func TestUnparseableLineKeepsConnectionOpen(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`this is not json`)
	reply := c.recv()
	if _, ok := reply["error"]; !ok {
		t.Fatalf("reply = %v, want error field", reply)
	}

	c.send(`{"command":"session","arguments":{"action":"list"}}`)
	listed := c.recv()
	if listed["event"] != "list" {
		t.Errorf("reply after bad line = %v, want list event", listed)
	}
}

func TestLegacyEnvelopeRouting(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`{"action":"create","session_id":"legacy"}`)
	created := c.recv()
	if created["event"] != "created" || created["session_id"] != "legacy" {
		t.Fatalf("created reply = %v", created)
	}

	c.send(`{"action":"skill_list","session_id":"legacy"}`)
	listed := c.recv()
	if listed["event"] != "skill_list" || listed["session_id"] != "legacy" {
		t.Errorf("skill_list reply = %v", listed)
	}
}

func TestUnknownCommandAndAction(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`{"command":"bogus","arguments":{"action":"x"}}`)
	if reply := c.recv(); reply["error"] == nil {
		t.Errorf("reply = %v, want error for unknown command", reply)
	}

	c.send(`{"command":"session","arguments":{"action":"bogus"}}`)
	if reply := c.recv(); reply["error"] == nil {
		t.Errorf("reply = %v, want error for unknown action", reply)
	}

	c.send(`{"command":"session","arguments":{"action":"send","session_id":"x"}}`)
	if reply := c.recv(); reply["error"] == nil {
		t.Errorf("reply = %v, want error for missing message", reply)
	}
}

func TestConfigCommandsOverSocket(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`{"command":"config","arguments":{"action":"set","key":"tool_output_lines","value":40}}`)
	updated := c.recv()
	if updated["event"] != "config_updated" || updated["key"] != "tool_output_lines" {
		t.Fatalf("set reply = %v", updated)
	}

	c.send(`{"command":"config","arguments":{"action":"get","key":"tool_output_lines"}}`)
	got := c.recv()
	if got["event"] != "config_value" || got["value"] != float64(40) {
		t.Errorf("get reply = %v, want updated value", got)
	}

	c.send(`{"command":"config","arguments":{"action":"list"}}`)
	listed := c.recv()
	if listed["event"] != "config_list" {
		t.Fatalf("list reply = %v", listed)
	}
	options, ok := listed["options"].(map[string]any)
	if !ok || options["default_model"] != "ollama/llama3.2" {
		t.Errorf("options = %v, want full key set", listed["options"])
	}
}

func TestSkillBanUnban(t *testing.T) {
	c, _ := startTestServer(t)

	c.send(`{"command":"skill","arguments":{"action":"ban","skill":"joke-teller"}}`)
	banned := c.recv()
	if banned["event"] != "skill_banned" || banned["skill"] != "joke-teller" {
		t.Fatalf("ban reply = %v", banned)
	}

	c.send(`{"command":"config","arguments":{"action":"get","key":"banned_skills"}}`)
	got := c.recv()
	list, ok := got["value"].([]any)
	if !ok || len(list) != 1 || list[0] != "joke-teller" {
		t.Fatalf("banned_skills = %v", got["value"])
	}

	c.send(`{"command":"skill","arguments":{"action":"unban","skill":"joke-teller"}}`)
	if reply := c.recv(); reply["event"] != "skill_unbanned" {
		t.Fatalf("unban reply = %v", reply)
	}
}

func TestBroadcastEventsReachConnections(t *testing.T) {
	c, bus := startTestServer(t)

	// A round trip guarantees the writer goroutine has subscribed.
	c.send(`{"command":"session","arguments":{"action":"list"}}`)
	c.recv()

	bus.Publish(events.Event{Name: events.NameProactive, Data: map[string]any{
		"message": "checking in",
	}})

	msg := c.recv()
	if msg["event"] != "proactive" || msg["message"] != "checking in" {
		t.Errorf("broadcast = %v, want flattened proactive event", msg)
	}
}

func TestDisconnectReleasesBroadcastSubscription(t *testing.T) {
	c, bus := startTestServer(t)

	// A round trip guarantees the writer goroutine has subscribed.
	c.send(`{"command":"session","arguments":{"action":"list"}}`)
	c.recv()

	c.conn.Close()

	// The writer must notice the reader is gone without needing any
	// broadcast traffic to flush it out.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("subscribers after disconnect = %d, want 0", bus.SubscriberCount())
}

// failingGateway rejects every exchange before producing any delta.
type failingGateway struct{}

func (failingGateway) ChatStream(context.Context, string, []llm.Message, []llm.ToolSchema, llm.StreamCallback) error {
	return fmt.Errorf("upstream unavailable")
}

func TestFailedExchangeLeavesNoEmptyAssistantEntry(t *testing.T) {
	c, _ := startTestServerGateway(t, failingGateway{})

	c.send(`{"command":"session","arguments":{"action":"send","session_id":"broken","message":"hi"}}`)
	sawError := false
	for i := 0; i < 5 && !sawError; i++ {
		msg := c.recv()
		if msg["error"] != nil {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no error reply for failed exchange")
	}

	// Only the user message may be persisted.
	c.send(`{"command":"session","arguments":{"action":"history","session_id":"broken"}}`)
	hist := c.recv()
	if hist["event"] != "history" || hist["total"] != float64(1) {
		t.Errorf("history reply = %v, want total 1", hist)
	}
}
