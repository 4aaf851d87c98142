package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"

	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/tools"
)

// Trigger is an externally fired job from TRIGGERS.json, typically hit
// through the webhook endpoint.
type Trigger struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"` // agent | command
	Job     string `json:"job,omitempty"`
	Command string `json:"command,omitempty"`
}

type triggersFile struct {
	Triggers []Trigger `json:"triggers"`
}

// Triggers resolves and fires trigger definitions. The file is re-read on
// every fire so edits take effect without a restart. Each trigger carries
// its own circuit breaker.
type Triggers struct {
	runner Runner
	bus    *bus.Bus
	shell  *tools.ShellTool
	path   string

	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time
}

func NewTriggers(runner Runner, b *bus.Bus, shell *tools.ShellTool, path string) *Triggers {
	return &Triggers{
		runner:   runner,
		bus:      b,
		shell:    shell,
		path:     path,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// List returns the defined triggers.
func (t *Triggers) List() ([]Trigger, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f triggersFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.path, err)
	}
	return f.Triggers, nil
}

// Fire runs the trigger with the given payload substituted into its
// template. Returns the run's output.
func (t *Triggers) Fire(ctx context.Context, id string, payload map[string]interface{}) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	triggers, err := t.List()
	if err != nil {
		return "", err
	}
	var trigger *Trigger
	for i := range triggers {
		if triggers[i].ID == id {
			trigger = &triggers[i]
			break
		}
	}
	if trigger == nil {
		return "", fmt.Errorf("trigger %q not found", id)
	}
	if !trigger.Enabled {
		return "", fmt.Errorf("trigger %q is disabled", id)
	}

	now := t.now().UTC()
	br, ok := t.breakers[id]
	if !ok {
		br = &breaker{}
		t.breakers[id] = br
	}
	if !br.allow(now) {
		t.emit("trigger_skipped", map[string]interface{}{"trigger_id": id, "reason": "breaker_open"})
		return "", fmt.Errorf("trigger %q circuit breaker is open", id)
	}

	t.emit("trigger_fired", map[string]interface{}{"trigger_id": id, "name": trigger.Name})

	var output string
	switch trigger.Type {
	case "agent":
		output, err = runOneShot(ctx, t.runner, "trigger", expandTemplate(trigger.Job, payload, t.now()))
	case "command":
		if t.shell == nil {
			return "", fmt.Errorf("no shell configured for command triggers")
		}
		res := t.shell.Execute(ctx, map[string]interface{}{
			"command": expandTemplate(trigger.Command, payload, t.now()),
		})
		if res.IsError {
			err = fmt.Errorf("%s", res.ForLLM)
		} else {
			output = res.ForLLM
		}
	default:
		return "", fmt.Errorf("unknown trigger type %q", trigger.Type)
	}

	if err != nil {
		opened := br.failure(now)
		t.emit("trigger_failed", map[string]interface{}{"trigger_id": id, "error": err.Error()})
		if opened {
			t.emit("trigger_breaker_opened", map[string]interface{}{"trigger_id": id, "failures": breakerThreshold})
		}
		return "", err
	}
	br.success()
	t.emit("trigger_completed", map[string]interface{}{"trigger_id": id})
	return output, nil
}

func (t *Triggers) emit(event string, payload map[string]interface{}) {
	if t.bus != nil {
		t.bus.EmitSystem(event, "", payload)
	}
}

var payloadKeyRe = regexp.MustCompile(`\{\{payload\.([a-zA-Z0-9_]+)\}\}`)

// expandTemplate substitutes {{payload}}, {{timestamp}}, and
// {{payload.KEY}} placeholders. Unknown keys expand to empty.
func expandTemplate(template string, payload map[string]interface{}, now time.Time) string {
	out := template

	out = payloadKeyRe.ReplaceAllStringFunc(out, func(m string) string {
		key := payloadKeyRe.FindStringSubmatch(m)[1]
		v, ok := payload[key]
		if !ok {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	})

	if strings.Contains(out, "{{payload}}") {
		data, err := json.Marshal(payload)
		if err != nil {
			data = []byte("{}")
		}
		out = strings.ReplaceAll(out, "{{payload}}", string(data))
	}
	out = strings.ReplaceAll(out, "{{timestamp}}", now.UTC().Format(time.RFC3339))
	return out
}
