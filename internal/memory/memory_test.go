package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendAndLoad(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "MEMORY.md"))

	if err := s.Append("preference", "User prefers concise answers."); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("project", "Deploy target is a Hetzner VPS running Debian."); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Category != "preference" || !strings.Contains(entries[0].Content, "concise") {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}
}

func TestRecallScoresByKeywordOverlap(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "MEMORY.md"))
	s.Append("project", "The deployment pipeline uses Docker and pushes to the registry.")
	s.Append("preference", "User likes coffee in the morning.")
	s.Append("project", "Docker registry credentials live in the deploy vault.")

	hits, err := s.Recall("how do I deploy with docker?", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if !strings.Contains(strings.ToLower(h.Content), "docker") {
			t.Errorf("irrelevant hit: %q", h.Content)
		}
	}
}

func TestRecallEmptyQueryAndMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "MEMORY.md"))

	hits, err := s.Recall("the a an", 5)
	if err != nil || hits != nil {
		t.Errorf("stopword-only query: hits=%v err=%v", hits, err)
	}

	entries, err := s.Load()
	if err != nil || entries != nil {
		t.Errorf("missing file: entries=%v err=%v", entries, err)
	}
}

func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MEMORY.md")
	s := NewStore(path)
	s.Append("note", "first")
	before, _ := os.ReadFile(path)
	s.Append("note", "second")
	after, _ := os.ReadFile(path)

	if !strings.HasPrefix(string(after), string(before)) {
		t.Error("append rewrote earlier content")
	}
}
