package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/osagent/osa/internal/tools"
)

type rememberTool struct{ store *Store }

func (r *rememberTool) Name() string { return "remember" }
func (r *rememberTool) Description() string {
	return "Save a fact to long-term memory so it survives across sessions."
}
func (r *rememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{"type": "string", "description": "short kebab-case topic, e.g. user-preferences"},
			"content":  map[string]interface{}{"type": "string", "description": "the fact to remember"},
		},
		"required": []string{"category", "content"},
	}
}

func (r *rememberTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	category, _ := args["category"].(string)
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return tools.ErrorResult("Error: content is required")
	}
	if category == "" {
		category = "general"
	}
	if err := r.store.Append(category, content); err != nil {
		return tools.ErrorResult("Error: " + err.Error())
	}
	return tools.NewResult(fmt.Sprintf("Remembered under %q", category))
}

type recallTool struct{ store *Store }

func (r *recallTool) Name() string { return "recall" }
func (r *recallTool) Description() string {
	return "Search long-term memory for facts relevant to a query."
}
func (r *recallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "what to look for"},
		},
		"required": []string{"query"},
	}
}

func (r *recallTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	query, _ := args["query"].(string)
	entries, err := r.store.Recall(query, 5)
	if err != nil {
		return tools.ErrorResult("Error: " + err.Error())
	}
	if len(entries) == 0 {
		return tools.NewResult("(nothing relevant in memory)")
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s\n", e.Category, e.Content)
	}
	return tools.NewResult(strings.TrimSpace(sb.String()))
}

// ToolSet returns the memory tools backed by the store.
func ToolSet(store *Store) []tools.Tool {
	return []tools.Tool{&rememberTool{store: store}, &recallTool{store: store}}
}
