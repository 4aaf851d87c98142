package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureHomeFilesSeedsOnce(t *testing.T) {
	home := t.TempDir()

	created, err := EnsureHomeFiles(home)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != len(homeFiles) {
		t.Errorf("created = %v", created)
	}
	data, err := os.ReadFile(filepath.Join(home, "HEARTBEAT.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "- [ ]") {
		t.Errorf("heartbeat template missing checkbox:\n%s", data)
	}

	// A second run must not touch existing files.
	if err := os.WriteFile(filepath.Join(home, "USER.md"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureHomeFiles(home)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v", created)
	}
	data, _ = os.ReadFile(filepath.Join(home, "USER.md"))
	if string(data) != "edited" {
		t.Error("existing file overwritten")
	}
}
