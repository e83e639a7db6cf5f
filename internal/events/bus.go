// Package events provides the broadcast channel connecting every Skald
// component to every connected client. Events published here are
// client-visible protocol messages: the proactive loop's periodic
// announcements, and any other out-of-band notification a handler wants
// every connection to see. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"encoding/json"
	"sync"
)

// Event names used on the wire, both for direct replies and for
// messages published over the broadcast channel.
const (
	// NameProactive identifies periodic proactive announcements.
	NameProactive = "proactive"

	// NameResponse carries one streamed response delta; its "done"
	// field marks the end of an exchange.
	NameResponse = "response"

	// NameToolCall announces one tool invocation and a preview of its
	// result.
	NameToolCall = "tool_call"

	// NameSkillUsed announces a skill injected into the current turn.
	NameSkillUsed = "skill_used"
)

// Event is one out-of-band protocol message. On the wire it is
// flattened into a single JSON object: the Name becomes the "event"
// field, SessionID becomes "session_id" when present, and Data fields
// are merged in at the top level.
type Event struct {
	Name      string
	SessionID string
	Data      map[string]any
}

// MarshalJSON flattens the event into its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["event"] = e.Name
	if e.SessionID != "" {
		obj["session_id"] = e.SessionID
	}
	return json.Marshal(obj)
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; when a slow subscriber's buffer fills, the oldest
// unread event is dropped to make room for the new one, so publishers
// never block and laggards see the most recent events.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: a full
// subscriber buffer loses its oldest unread event first. If the
// subscriber is draining concurrently and the buffer is full again
// after the drop, the new event is lost for that subscriber instead.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Buffer full: drop the oldest unread event, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
