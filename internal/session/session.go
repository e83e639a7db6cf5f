package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/skills"
	"github.com/skald-agent/skald/internal/tools"
)

// Session is one conversation: an append-only JSONL transcript, a
// human-readable activity log, a manually-activated skill set, and the
// model id used for its exchanges. Each session has its own lock, so
// unrelated sessions never contend.
type Session struct {
	mu           sync.RWMutex
	id           string
	dir          string
	historyPath  string
	activityPath string
	model        string
	history      []Message
	activeSkills []string
	logger       *slog.Logger
}

// Open creates or resumes the session stored under dir. An existing
// transcript is loaded; lines that fail to parse are skipped.
func Open(dir, id, model string, initialSkills []string, logger *slog.Logger) (*Session, error) {
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	s := &Session{
		id:           id,
		dir:          dir,
		historyPath:  filepath.Join(dir, "history.jsonl"),
		activityPath: filepath.Join(dir, "activity.log"),
		model:        model,
		activeSkills: append([]string(nil), initialSkills...),
		logger:       logger,
	}

	if err := s.loadHistory(); err != nil {
		return nil, err
	}
	logger.Info("session initialized", "session_id", id, "history_len", len(s.history), "model", model)
	return s, nil
}

func (s *Session) loadHistory() error {
	f, err := os.Open(s.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("skipping unparseable transcript line", "session_id", s.id, "error", err)
			continue
		}
		s.history = append(s.history, msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Model returns the model id this session talks to.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// History returns a copy of the transcript.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.history...)
}

// ActiveSkills returns a copy of the manually-activated skill names.
func (s *Session) ActiveSkills() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.activeSkills...)
}

// AppendUserMessage records a user turn: one activity log line and one
// transcript record. Fails only on storage I/O error.
func (s *Session) AppendUserMessage(content string, skillTags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.logActivity("User: " + content); err != nil {
		return err
	}
	return s.append(newMessage("user", content, skillTags))
}

// AppendAssistantMessage records an assistant turn.
func (s *Session) AppendAssistantMessage(content string, skillTags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(newMessage("assistant", content, skillTags)); err != nil {
		return err
	}
	return s.logActivity("Assistant: " + content)
}

func (s *Session) append(msg Message) error {
	s.history = append(s.history, msg)

	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode transcript record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript record: %w", err)
	}
	return nil
}

func (s *Session) logActivity(text string) error {
	f, err := os.OpenFile(s.activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(time.RFC3339), text); err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	return nil
}

// AddSkill activates a skill for this session. Idempotent.
func (s *Session) AddSkill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, have := range s.activeSkills {
		if have == name {
			return
		}
	}
	s.activeSkills = append(s.activeSkills, name)
}

// RemoveSkill deactivates a skill and strips its tag from every
// historical transcript record, rewriting the transcript in full.
func (s *Session) RemoveSkill(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.activeSkills[:0]
	for _, have := range s.activeSkills {
		if have != name {
			kept = append(kept, have)
		}
	}
	s.activeSkills = kept

	for i := range s.history {
		tags := s.history[i].Skills[:0]
		for _, tag := range s.history[i].Skills {
			if tag != name {
				tags = append(tags, tag)
			}
		}
		s.history[i].Skills = tags
	}

	return s.rewriteHistory()
}

func (s *Session) rewriteHistory() error {
	f, err := os.Create(s.historyPath)
	if err != nil {
		return fmt.Errorf("rewrite transcript: %w", err)
	}
	defer f.Close()

	for _, msg := range s.history {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode transcript record: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write transcript record: %w", err)
		}
	}
	return nil
}

// Context is everything one model call needs: the message list, the
// skills selected for this turn, and the tool schemas exposed.
type Context struct {
	Messages []llm.Message
	Skills   []skills.Skill
	Tools    []llm.ToolSchema
}

const systemPromptHeader = "You are Skald, a persistent, proactive LLM agent.\n"

// AssembleContext builds the model call context from the last user
// message: manually active skills plus dynamically selected ones
// (banned skills and those already active are excluded from
// selection), a system prompt enumerating each selected skill's
// instructions, the full transcript, and the built-in tool schemas
// plus every selected skill's declared tools. Fails if the transcript
// is empty.
func (s *Session) AssembleContext(ctx context.Context, catalog *skills.Catalog, selector *skills.Selector, embeddingModel string, banned []string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return nil, fmt.Errorf("session %s has no messages to contextualize", s.id)
	}
	lastMsg := s.history[len(s.history)-1]

	var selected []skills.Skill
	exclude := make(map[string]bool, len(s.activeSkills)+len(banned))
	for _, name := range s.activeSkills {
		exclude[name] = true
		if sk, ok := catalog.Get(name); ok {
			selected = append(selected, sk)
		}
	}
	for _, name := range banned {
		exclude[name] = true
	}

	selected = append(selected, selector.Select(ctx, lastMsg.Content, embeddingModel, exclude)...)

	if len(selected) > 0 {
		names := make([]string, len(selected))
		for i, sk := range selected {
			names[i] = sk.Name
		}
		s.logger.Info("activating skills", "session_id", s.id, "skills", names)
	} else {
		s.logger.Debug("no relevant skills found for message", "session_id", s.id)
	}

	systemPrompt := systemPromptHeader
	if len(selected) > 0 {
		systemPrompt += "\n# Enabled Skills:\n"
		for _, sk := range selected {
			systemPrompt += fmt.Sprintf("## %s\n%s\n", sk.Name, sk.Instructions)
		}
	}

	messages := make([]llm.Message, 0, len(s.history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, msg := range s.history {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	schemas := append([]llm.ToolSchema(nil), tools.BuiltinSchemas()...)
	for _, sk := range selected {
		for _, def := range sk.Tools {
			schemas = append(schemas, llm.ToolSchema{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
	}

	return &Context{Messages: messages, Skills: selected, Tools: schemas}, nil
}
