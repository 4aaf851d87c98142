package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const maxReadBytes = 256 * 1024

// FileReadTool reads a file relative to the workspace.
type FileReadTool struct {
	sandbox *Sandbox
}

func NewFileReadTool(sandbox *Sandbox) *FileReadTool {
	return &FileReadTool{sandbox: sandbox}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a text file. Relative paths resolve against the agent workspace."
}

func (t *FileReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *FileReadTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("Error: path is required")
	}

	resolved, err := t.sandbox.ResolveReadPath(path)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		out := fmt.Sprintf("%s is a directory with %d entries:\n", resolved, len(entries))
		for _, e := range entries {
			suffix := ""
			if e.IsDir() {
				suffix = "/"
			}
			out += "  " + e.Name() + suffix + "\n"
		}
		return NewResult(out)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes]) + "\n... (file truncated at 256KB)")
	}
	return NewResult(string(data))
}

// FileWriteTool writes a file inside the workspace or /tmp.
type FileWriteTool struct {
	sandbox *Sandbox
}

func NewFileWriteTool(sandbox *Sandbox) *FileWriteTool {
	return &FileWriteTool{sandbox: sandbox}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a file. Writes are confined to the agent workspace and /tmp."
}

func (t *FileWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
			"append": map[string]interface{}{
				"type":        "boolean",
				"description": "Append instead of overwrite",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FileWriteTool) Metadata() Metadata {
	return Metadata{Destructive: true}
}

func (t *FileWriteTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	appendMode, _ := args["append"].(bool)
	if path == "" {
		return ErrorResult("Error: path is required")
	}

	resolved, err := t.sandbox.CheckWritePath(path)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}

	if appendMode {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
	} else if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}

	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), resolved))
}
