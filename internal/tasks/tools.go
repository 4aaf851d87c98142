package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osagent/osa/internal/tools"
)

// taskTool adapts one tracker operation to the tool interface. The owning
// session comes from the call context, never from model-supplied args.
type taskTool struct {
	name   string
	desc   string
	params map[string]interface{}
	run    func(sessionID string, args map[string]interface{}) *tools.Result
}

func (t *taskTool) Name() string                       { return t.name }
func (t *taskTool) Description() string                { return t.desc }
func (t *taskTool) Parameters() map[string]interface{} { return t.params }

func (t *taskTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	sessionID := tools.SessionFromContext(ctx)
	if sessionID == "" {
		return tools.ErrorResult("Error: no session in scope for task tracking")
	}
	return t.run(sessionID, args)
}

func idParam() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "integer", "description": "task id"},
		},
		"required": []string{"id"},
	}
}

func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// ToolSet returns the task-tracking tools backed by the tracker.
func ToolSet(tr *Tracker) []tools.Tool {
	return []tools.Tool{
		&taskTool{
			name: "add_task",
			desc: "Add one task to this session's task list.",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"title": map[string]interface{}{"type": "string", "description": "short task title"},
				},
				"required": []string{"title"},
			},
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				title, _ := args["title"].(string)
				task, err := tr.Add(sessionID, title)
				if err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Added task %d: %s", task.ID, task.Title))
			},
		},
		&taskTool{
			name: "add_tasks",
			desc: "Add several tasks at once.",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"titles": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "task titles in order",
					},
				},
				"required": []string{"titles"},
			},
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				raw, _ := args["titles"].([]interface{})
				titles := make([]string, 0, len(raw))
				for _, r := range raw {
					if s, ok := r.(string); ok {
						titles = append(titles, s)
					}
				}
				added, err := tr.AddMany(sessionID, titles)
				if err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Added %d tasks", len(added)))
			},
		},
		&taskTool{
			name:   "start_task",
			desc:   "Mark a pending task as in progress.",
			params: idParam(),
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				id, ok := intArg(args, "id")
				if !ok {
					return tools.ErrorResult("Error: id is required")
				}
				if err := tr.Start(sessionID, id); err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Task %d started", id))
			},
		},
		&taskTool{
			name:   "complete_task",
			desc:   "Mark a task as completed.",
			params: idParam(),
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				id, ok := intArg(args, "id")
				if !ok {
					return tools.ErrorResult("Error: id is required")
				}
				if err := tr.Complete(sessionID, id); err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Task %d completed", id))
			},
		},
		&taskTool{
			name: "fail_task",
			desc: "Mark a task as failed with a reason.",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":     map[string]interface{}{"type": "integer", "description": "task id"},
					"reason": map[string]interface{}{"type": "string", "description": "why the task failed"},
				},
				"required": []string{"id", "reason"},
			},
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				id, ok := intArg(args, "id")
				if !ok {
					return tools.ErrorResult("Error: id is required")
				}
				reason, _ := args["reason"].(string)
				if err := tr.Fail(sessionID, id, reason); err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Task %d failed: %s", id, reason))
			},
		},
		&taskTool{
			name: "record_tokens",
			desc: "Record token spend against a task.",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":     map[string]interface{}{"type": "integer", "description": "task id"},
					"tokens": map[string]interface{}{"type": "integer", "description": "tokens consumed"},
				},
				"required": []string{"id", "tokens"},
			},
			run: func(sessionID string, args map[string]interface{}) *tools.Result {
				id, ok := intArg(args, "id")
				if !ok {
					return tools.ErrorResult("Error: id is required")
				}
				tokens, _ := intArg(args, "tokens")
				if err := tr.RecordTokens(sessionID, id, int64(tokens)); err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(fmt.Sprintf("Recorded %d tokens on task %d", tokens, id))
			},
		},
		&taskTool{
			name:   "get_tasks",
			desc:   "List this session's tasks with their statuses.",
			params: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			run: func(sessionID string, _ map[string]interface{}) *tools.Result {
				list := tr.Get(sessionID)
				if len(list) == 0 {
					return tools.NewResult("(no tasks)")
				}
				data, err := json.MarshalIndent(list, "", "  ")
				if err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult(string(data))
			},
		},
		&taskTool{
			name:   "clear_tasks",
			desc:   "Remove every task from this session's list.",
			params: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			run: func(sessionID string, _ map[string]interface{}) *tools.Result {
				if err := tr.Clear(sessionID); err != nil {
					return tools.ErrorResult("Error: " + err.Error())
				}
				return tools.NewResult("Task list cleared")
			},
		},
	}
}
