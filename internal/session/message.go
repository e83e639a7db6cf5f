// Package session owns conversation state: durable JSONL transcripts,
// per-session active skill sets, and the registry that maps session
// ids to live handles.
package session

import "time"

// Message is one transcript entry. Appended, never mutated, except
// that removing a skill from a session strips its tag from every
// historical entry.
type Message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
	Skills    []string `json:"skills"`
}

func newMessage(role, content string, skillTags []string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
		Skills:    append([]string(nil), skillTags...),
	}
}
