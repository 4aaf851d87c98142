package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sandbox holds the path and command policy shared by the shell and file
// tools. All relative paths resolve against Workspace.
type Sandbox struct {
	Workspace string
}

func NewSandbox(workspace string) *Sandbox {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	return &Sandbox{Workspace: abs}
}

// deniedHeads are command heads refused wherever they appear in a pipeline
// or command list. Matching is on the basename of the first token of each
// segment, after stripping leading env assignments and nohup.
var deniedHeads = map[string]bool{
	"rm": true, "sudo": true, "dd": true, "mkfs": true, "fdisk": true,
	"chmod": true, "chown": true,
	"kill": true, "pkill": true, "killall": true,
	"reboot": true, "shutdown": true, "halt": true, "poweroff": true,
	"mount": true, "umount": true,
	"iptables": true, "systemctl": true,
	"passwd": true, "useradd": true, "userdel": true,
	"nc": true, "ncat": true,
}

// denyPatterns catch dangerous constructs the head check cannot see.
var denyPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\$\(`), "command substitution is not allowed"},
	{regexp.MustCompile("`"), "command substitution is not allowed"},
	{regexp.MustCompile(`\$\{`), "parameter expansion is not allowed"},
	{regexp.MustCompile(`(^|[\s;|&])(>>?|tee\s+(-a\s+)?)\s*/(etc|usr|boot)(/|\s|$)`), "writing to system paths is not allowed"},
	{regexp.MustCompile(`(^|[\s;|&])(>>?|tee\s+(-a\s+)?)\s*~?/?\.ssh(/|\s|$)`), "writing to ssh configuration is not allowed"},
	{regexp.MustCompile(`\.\./`), "path traversal is not allowed"},
	{regexp.MustCompile(`/etc/(shadow|passwd|sudoers)`), "reading credential files is not allowed"},
	{regexp.MustCompile(`\.ssh/id_[a-z0-9_]+`), "reading private keys is not allowed"},
	{regexp.MustCompile(`(^|[\s;|&/])\.env(\s|$|;)`), "reading env files is not allowed"},
	{regexp.MustCompile(`curl\s+[^;|&]*(-[A-Za-z]*o\b|--output\b)`), "downloading to disk is not allowed"},
	{regexp.MustCompile(`wget\s+[^;|&]*(-[A-Za-z]*O\b|--output-document\b)`), "downloading to disk is not allowed"},
}

// segmentSplit breaks a command line at every pipe, separator, and
// background/list operator so each segment gets its own head check.
var segmentSplit = regexp.MustCompile(`[|;&]+`)

// CheckCommand validates a shell command against the sandbox policy.
// Returns a non-empty reason when the command is denied.
func (s *Sandbox) CheckCommand(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return "empty command"
	}

	for _, p := range denyPatterns {
		if p.re.MatchString(trimmed) {
			return p.reason
		}
	}

	for _, seg := range segmentSplit.Split(trimmed, -1) {
		head := commandHead(seg)
		if head == "" {
			continue
		}
		if deniedHeads[head] {
			return fmt.Sprintf("command %q is not allowed", head)
		}
		if head == "cd" {
			if reason := s.checkCD(seg); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// commandHead extracts the basename of the first real token of a segment,
// skipping env assignments and nohup.
func commandHead(segment string) string {
	fields := strings.Fields(segment)
	for _, f := range fields {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "/") && !strings.HasPrefix(f, ".") {
			continue // VAR=value prefix
		}
		if f == "nohup" {
			continue
		}
		return filepath.Base(f)
	}
	return ""
}

// checkCD confines directory changes to the workspace.
func (s *Sandbox) checkCD(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) < 2 {
		return "" // bare cd goes to $HOME of the sandboxed process
	}
	target := fields[1]
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.Workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	if !s.within(resolved, s.Workspace) {
		return fmt.Sprintf("cd outside the workspace is not allowed: %s", target)
	}
	return ""
}

// CheckWritePath validates a file-write target. Writes are confined to the
// workspace and /tmp; system paths and dotfiles outside the workspace are
// refused.
func (s *Sandbox) CheckWritePath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.Workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	for _, prefix := range []string{"/etc", "/usr", "/bin", "/sbin", "/var", "/boot"} {
		if s.within(resolved, prefix) {
			return "", fmt.Errorf("writing to %s is not allowed", prefix)
		}
	}

	if s.within(resolved, s.Workspace) || s.within(resolved, os.TempDir()) || s.within(resolved, "/tmp") {
		return resolved, nil
	}

	base := filepath.Base(resolved)
	if strings.HasPrefix(base, ".") || strings.Contains(resolved, "/.") {
		return "", fmt.Errorf("writing dotfiles outside the workspace is not allowed")
	}
	return "", fmt.Errorf("path is outside the workspace: %s", path)
}

// ResolveReadPath resolves a read target against the workspace. Reads are
// not path-confined but credential files are refused.
func (s *Sandbox) ResolveReadPath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.Workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	switch resolved {
	case "/etc/shadow", "/etc/passwd", "/etc/sudoers":
		return "", fmt.Errorf("reading %s is not allowed", resolved)
	}
	if strings.Contains(resolved, "/.ssh/id_") || filepath.Base(resolved) == ".env" {
		return "", fmt.Errorf("reading credential files is not allowed")
	}
	return resolved, nil
}

func (s *Sandbox) within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
