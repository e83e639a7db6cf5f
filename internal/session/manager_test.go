package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.InitialSkills = []string{"starter"}
	store := config.NewStore(cfg, filepath.Join(t.TempDir(), "config.yaml"))

	m, err := NewManager(filepath.Join(t.TempDir(), "sessions"), store, events.New(), discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestGetOrCreateReturnsSameHandle(t *testing.T) {
	m := testManager(t)

	first, err := m.GetOrCreate("work", "")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := m.GetOrCreate("work", "")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if first != second {
		t.Error("same id returned different handles")
	}
}

func TestGetOrCreateAppliesDefaults(t *testing.T) {
	m := testManager(t)

	s, err := m.GetOrCreate("work", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Model() != "ollama/llama3.2" {
		t.Errorf("model = %q, want configured default", s.Model())
	}
	if got := s.ActiveSkills(); len(got) != 1 || got[0] != "starter" {
		t.Errorf("active skills = %v, want configured initial skills", got)
	}
}

func TestGetOrCreateModelOverride(t *testing.T) {
	m := testManager(t)

	s, err := m.GetOrCreate("custom", "xai/grok-3")
	if err != nil {
		t.Fatal(err)
	}
	if s.Model() != "xai/grok-3" {
		t.Errorf("model = %q, want override", s.Model())
	}

	// The override does not touch a session that is already live.
	again, err := m.GetOrCreate("custom", "gemini/gemini-2.0-flash")
	if err != nil {
		t.Fatal(err)
	}
	if again.Model() != "xai/grok-3" {
		t.Errorf("model = %q, want original override preserved", again.Model())
	}
}

func TestListUnionsDiskAndMemory(t *testing.T) {
	m := testManager(t)

	// On-disk only: a directory left by a previous process.
	if err := os.MkdirAll(filepath.Join(m.root, "old"), 0o755); err != nil {
		t.Fatal(err)
	}
	// In-memory and on-disk.
	if _, err := m.GetOrCreate("live", ""); err != nil {
		t.Fatal(err)
	}

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]string{"live", "old"}, ids); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteRemovesMemoryAndDisk(t *testing.T) {
	m := testManager(t)

	s, err := m.GetOrCreate("gone", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendUserMessage("hello", nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.root, "gone")); !os.IsNotExist(err) {
		t.Error("session directory still exists after delete")
	}

	ids, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id == "gone" {
			t.Error("deleted session still listed")
		}
	}

	// Idempotent on absent session.
	if err := m.Delete("gone"); err != nil {
		t.Errorf("Delete() second call error = %v", err)
	}
}
