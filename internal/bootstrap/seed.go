package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*
var templateFS embed.FS

// homeFiles lists the templates seeded into the agent's home directory on
// first run.
var homeFiles = []string{
	"HEARTBEAT.md",
	"USER.md",
	"SYSTEM.md",
	"CRONS.json",
	"TRIGGERS.json",
}

// ReadTemplate returns the content of an embedded template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureHomeFiles seeds template files into the home directory. Existing
// files are never overwritten. Returns the files that were created.
func EnsureHomeFiles(home string) ([]string, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range homeFiles {
		ok, err := seedTemplate(home, name)
		if err != nil {
			slog.Warn("bootstrap seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if its target doesn't exist. O_EXCL
// keeps concurrent starts from clobbering each other.
func seedTemplate(home, name string) (bool, error) {
	dst := filepath.Join(home, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
