package orchestrator

import (
	"context"

	"github.com/osagent/osa/internal/tools"
)

type orchestrateTool struct{ orch *Orchestrator }

func (o *orchestrateTool) Name() string { return "orchestrate" }
func (o *orchestrateTool) Description() string {
	return "Delegate a complex request to a team of specialist sub-agents that work in parallel and return a combined result. Use for multi-part work that spans several specialties."
}
func (o *orchestrateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"request": map[string]interface{}{"type": "string", "description": "the full request to decompose and execute"},
		},
		"required": []string{"request"},
	}
}

func (o *orchestrateTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	request, _ := args["request"].(string)
	if request == "" {
		return tools.ErrorResult("Error: request is required")
	}
	_, synthesis, err := o.orch.Execute(ctx, tools.SessionFromContext(ctx), request)
	if err != nil {
		return tools.ErrorResult("Error: " + err.Error())
	}
	return tools.NewResult(synthesis)
}

// AsTool wraps the orchestrator for registration in the tool registry.
func AsTool(orch *Orchestrator) tools.Tool {
	return &orchestrateTool{orch: orch}
}
