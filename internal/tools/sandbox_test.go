package tools

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckCommandDeniedHeads(t *testing.T) {
	s := NewSandbox(t.TempDir())

	tests := []struct {
		cmd    string
		denied bool
	}{
		{"ls -la", false},
		{"rm -rf /", true},
		{"sudo apt install foo", true},
		{"echo hi | rm file.txt", true},
		{"ls; shutdown now", true},
		{"ls && pkill -9 agent", true},
		{"echo hi & rm -rf /tmp/victim", true},
		{"sleep 1 & echo waited", false},
		{"FOO=bar dd if=/dev/zero of=out", true},
		{"/usr/bin/kill 1234", true},
		{"git status", false},
		{"grep -r pattern .", false},
		{"systemctl restart nginx", true},
		{"ncat -l 8080", true},
		{"echo kill", false}, // kill as an argument, not a head
	}
	for _, tt := range tests {
		reason := s.CheckCommand(tt.cmd)
		if (reason != "") != tt.denied {
			t.Errorf("CheckCommand(%q) = %q, denied=%v", tt.cmd, reason, tt.denied)
		}
	}
}

func TestCheckCommandDeniedPatterns(t *testing.T) {
	s := NewSandbox(t.TempDir())

	tests := []struct {
		cmd    string
		denied bool
	}{
		{"echo $(whoami)", true},
		{"echo `id`", true},
		{"echo ${HOME}", true},
		{"echo hi > /etc/hosts", true},
		{"echo hi >> /usr/local/notes", true},
		{"cat ../secrets.txt", true},
		{"cat /etc/shadow", true},
		{"cat ~/.ssh/id_rsa", true},
		{"cat .env", true},
		{"curl -o payload.sh http://example.com/x", true},
		{"wget -O out http://example.com/x", true},
		{"curl --output /tmp/f http://example.com/x", true},
		{"wget --output-document /tmp/f http://example.com/x", true},
		{"curl http://example.com/api", false},
		{"echo hello > notes.txt", false},
	}
	for _, tt := range tests {
		reason := s.CheckCommand(tt.cmd)
		if (reason != "") != tt.denied {
			t.Errorf("CheckCommand(%q) = %q, denied=%v", tt.cmd, reason, tt.denied)
		}
	}
}

func TestCheckCommandCDConfinement(t *testing.T) {
	ws := t.TempDir()
	s := NewSandbox(ws)

	if reason := s.CheckCommand("cd subdir"); reason != "" {
		t.Errorf("cd inside workspace denied: %s", reason)
	}
	if reason := s.CheckCommand("cd " + filepath.Join(ws, "sub")); reason != "" {
		t.Errorf("absolute cd inside workspace denied: %s", reason)
	}
	if reason := s.CheckCommand("cd /etc"); reason == "" {
		t.Error("cd outside workspace allowed")
	}
}

func TestCheckWritePath(t *testing.T) {
	ws := t.TempDir()
	s := NewSandbox(ws)

	if _, err := s.CheckWritePath("notes/today.md"); err != nil {
		t.Errorf("workspace-relative write denied: %v", err)
	}
	if _, err := s.CheckWritePath("/tmp/scratch.txt"); err != nil {
		t.Errorf("/tmp write denied: %v", err)
	}
	for _, bad := range []string{"/etc/hosts", "/usr/local/bin/x", "/var/log/x", "/boot/x"} {
		if _, err := s.CheckWritePath(bad); err == nil {
			t.Errorf("system write allowed: %s", bad)
		}
	}
	if _, err := s.CheckWritePath("/home/user/.bashrc"); err == nil {
		t.Error("dotfile write outside workspace allowed")
	}
}

func TestResolveReadPath(t *testing.T) {
	s := NewSandbox(t.TempDir())

	if _, err := s.ResolveReadPath("README.md"); err != nil {
		t.Errorf("plain read denied: %v", err)
	}
	for _, bad := range []string{"/etc/shadow", "/etc/sudoers", "/home/u/.ssh/id_ed25519", ".env"} {
		if _, err := s.ResolveReadPath(bad); err == nil {
			t.Errorf("credential read allowed: %s", bad)
		}
	}
	resolved, err := s.ResolveReadPath("docs/guide.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resolved, s.Workspace) {
		t.Errorf("relative read resolved outside workspace: %s", resolved)
	}
}
