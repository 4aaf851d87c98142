package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/osagent/osa/internal/tools"
)

type createSkillTool struct{ reg *Registry }

func (c *createSkillTool) Name() string { return "create_skill" }
func (c *createSkillTool) Description() string {
	return "Save a reusable skill: a named procedure with instructions and the tools it needs. Suggests existing skills instead of creating near-duplicates."
}
func (c *createSkillTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":         map[string]interface{}{"type": "string", "description": "short skill name"},
			"description":  map[string]interface{}{"type": "string", "description": "what the skill accomplishes"},
			"instructions": map[string]interface{}{"type": "string", "description": "step-by-step procedure"},
			"tools": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "tool names the skill uses",
			},
		},
		"required": []string{"name", "description"},
	}
}

func (c *createSkillTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	name, _ := args["name"].(string)
	description, _ := args["description"].(string)
	instructions, _ := args["instructions"].(string)
	var toolNames []string
	if raw, ok := args["tools"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				toolNames = append(toolNames, s)
			}
		}
	}

	created, candidates, err := c.reg.SuggestOrCreate(Skill{
		Name:         name,
		Description:  description,
		Instructions: instructions,
		Tools:        toolNames,
	})
	if err != nil {
		return tools.ErrorResult("Error: " + err.Error())
	}
	if !created {
		names := make([]string, 0, len(candidates))
		for _, m := range candidates {
			names = append(names, m.Skill.Name)
		}
		return tools.NewResult(fmt.Sprintf("Similar skills already exist: %s. Use one of those or pick a more specific name.", strings.Join(names, ", ")))
	}
	return tools.NewResult(fmt.Sprintf("Skill %q created", name))
}

type listSkillsTool struct{ reg *Registry }

func (l *listSkillsTool) Name() string        { return "list_skills" }
func (l *listSkillsTool) Description() string { return "List the available skills." }
func (l *listSkillsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (l *listSkillsTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	docs := l.reg.Docs()
	if docs == "" {
		return tools.NewResult("(no skills defined)")
	}
	return tools.NewResult(docs)
}

// ToolSet returns the skill management tools backed by the registry.
func ToolSet(reg *Registry) []tools.Tool {
	return []tools.Tool{&createSkillTool{reg: reg}, &listSkillsTool{reg: reg}}
}
