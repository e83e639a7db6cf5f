// Package server implements the newline-delimited JSON command
// protocol over a Unix socket. Each connection gets a reader loop, one
// goroutine per received command, and a writer goroutine muxing direct
// replies and broadcast events onto the socket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/skald-agent/skald/internal/agent"
	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/session"
	"github.com/skald-agent/skald/internal/skills"
)

// connBufferSize bounds each connection's private reply queue and its
// broadcast subscription.
const connBufferSize = 100

// Server accepts protocol connections and dispatches commands.
type Server struct {
	socketPath string
	mgr        *session.Manager
	orch       *agent.Orchestrator
	cfg        *config.Store
	catalog    *skills.Catalog
	selector   *skills.Selector
	logger     *slog.Logger
}

// New creates a protocol server.
func New(socketPath string, mgr *session.Manager, orch *agent.Orchestrator, cfg *config.Store, catalog *skills.Catalog, selector *skills.Selector, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		mgr:        mgr,
		orch:       orch,
		cfg:        cfg,
		catalog:    catalog,
		selector:   selector,
		logger:     logger,
	}
}

// Serve binds the socket and accepts connections until ctx is
// cancelled. A stale socket file from a previous run is removed first.
// Binding failure is fatal to startup.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind socket %s: %w", s.socketPath, err)
	}
	// Any local user may connect.
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.logger.Info("listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads commands line by line and spawns one goroutine per
// command, so a long-running send does not block subsequent commands
// on the same connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.logger.Debug("connection opened", "remote", conn.RemoteAddr())

	replies := make(chan any, connBufferSize)
	done := make(chan struct{})
	readerDone := make(chan struct{})
	defer close(readerDone)
	go s.writeLoop(conn, replies, readerDone, done)

	reply := func(v any) {
		select {
		case replies <- v:
		case <-done:
		case <-ctx.Done():
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		cmd, args, err := parseEnvelope(line)
		if err != nil {
			reply(errorReply(fmt.Sprintf("Invalid JSON or Command format: %v", err)))
			continue
		}

		go func() {
			s.dispatch(ctx, cmd, args, reply)
		}()
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("connection read ended", "error", err)
	}
	s.logger.Debug("connection closed", "remote", conn.RemoteAddr())
}

// writeLoop is the single writer for one connection: it merges the
// private reply queue with the broadcast subscription. The loop exits
// when a write fails or when the reader ends (client gone), closing
// done so in-flight commands stop queueing replies; either way the
// broadcast subscription is released.
func (s *Server) writeLoop(conn net.Conn, replies <-chan any, readerDone <-chan struct{}, done chan struct{}) {
	defer close(done)

	broadcast := s.mgr.Bus().Subscribe(connBufferSize)
	defer s.mgr.Bus().Unsubscribe(broadcast)

	writeLine := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to encode outbound message", "error", err)
			return true
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case v := <-replies:
			if !writeLine(v) {
				return
			}
		case e, ok := <-broadcast:
			if !ok {
				return
			}
			if !writeLine(e) {
				return
			}
		case <-readerDone:
			return
		}
	}
}

// envelope is the standard command form.
type envelope struct {
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments"`
}

// parseEnvelope accepts both the command envelope and the legacy flat
// form {"action": ..., <args>}, which routes "skill_"-prefixed actions
// to the skill handler and everything else to the session handler.
func parseEnvelope(line []byte) (cmd string, args map[string]any, err error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err == nil && env.Command != "" {
		if env.Arguments == nil {
			env.Arguments = make(map[string]any)
		}
		return env.Command, env.Arguments, nil
	}

	var flat map[string]any
	if err := json.Unmarshal(line, &flat); err != nil {
		return "", nil, err
	}
	action, _ := flat["action"].(string)
	if action == "" {
		return "", nil, fmt.Errorf("missing command or action")
	}

	if rest, ok := strings.CutPrefix(action, "skill_"); ok {
		flat["action"] = rest
		return "skill", flat, nil
	}
	return "session", flat, nil
}

func errorReply(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func sessionErrorReply(sessionID, msg string) map[string]any {
	return map[string]any{"error": msg, "session_id": sessionID}
}

func event(name, sessionID string, data map[string]any) events.Event {
	return events.Event{Name: name, SessionID: sessionID, Data: data}
}
