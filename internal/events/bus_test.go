package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Name: NameProactive})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	want := Event{
		Name:      NameProactive,
		SessionID: "work",
		Data:      map[string]any{"message": "checking in"},
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.Name != want.Name || got.SessionID != want.SessionID {
			t.Errorf("got event %v, want %v", got, want)
		}
		msg, ok := got.Data["message"].(string)
		if !ok || msg != "checking in" {
			t.Errorf("got message %v, want %q", got.Data["message"], "checking in")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := 0; i < n; i++ {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := Event{Name: NameProactive, SessionID: "s1"}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Name != evt.Name || got.SessionID != evt.SessionID {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	// Buffer size 1 — the second publish must evict the first.
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Name: "first"})
	b.Publish(Event{Name: "second"})

	got := <-ch
	if got.Name != "second" {
		t.Errorf("got name %q, want %q (oldest should be dropped)", got.Name, "second")
	}

	// Channel should now be empty.
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)

	// Reading from a closed channel returns the zero value immediately.
	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestDoubleUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)
	// Must not panic.
	b.Unsubscribe(ch)
}

func TestSubscriberCount(t *testing.T) {
	b := New()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("initial count = %d, want 0", got)
	}

	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)

	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("after 2 subscribes = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch2)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("after all unsubscribed = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup

	// Start a subscriber that drains events.
	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
			// Drops are expected; we only exercise the race paths.
		}
	}()

	var pubWg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		i := i
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				b.Publish(Event{
					Name:      NameProactive,
					SessionID: "s",
					Data:      map[string]any{"publisher": i, "seq": j},
				})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch) // Closes the channel, ending the draining goroutine.
	wg.Wait()
}

func TestMarshalFlattens(t *testing.T) {
	e := Event{
		Name:      NameProactive,
		SessionID: "work",
		Data:      map[string]any{"message": "reminder"},
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if obj["event"] != "proactive" {
		t.Errorf("event field = %v, want proactive", obj["event"])
	}
	if obj["session_id"] != "work" {
		t.Errorf("session_id field = %v, want work", obj["session_id"])
	}
	if obj["message"] != "reminder" {
		t.Errorf("message field = %v, want reminder", obj["message"])
	}
	if _, present := obj["Data"]; present {
		t.Error("Data struct field leaked into wire format")
	}
}

func TestMarshalOmitsEmptySessionID(t *testing.T) {
	raw, err := json.Marshal(Event{Name: "x"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatal(err)
	}
	if _, present := obj["session_id"]; present {
		t.Error("empty session_id should be omitted")
	}
}
