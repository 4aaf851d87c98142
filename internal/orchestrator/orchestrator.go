package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/sessions"
)

const (
	maxConcurrentAgents = 10
	subAgentTimeout     = 5 * time.Minute
)

// Runner executes a message inside a session. Satisfied by *agent.Loop.
type Runner interface {
	ProcessMessage(ctx context.Context, sessionID, message string, opts agent.ProcessOpts) (*agent.Reply, error)
	Sessions() *sessions.Manager
}

// SubTask is one unit of a decomposed request.
type SubTask struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Role        string   `json:"role"`
	ToolsNeeded []string `json:"tools_needed,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Decomposition is the strict-JSON shape the analysis call must return.
type Decomposition struct {
	Complexity string    `json:"complexity"` // "simple" | "complex"
	SubTasks   []SubTask `json:"sub_tasks,omitempty"`
}

// AgentState tracks one sub-agent through its lifetime.
type AgentState struct {
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Tier        Tier      `json:"tier"`
	Status      string    `json:"status"` // pending | running | completed | failed
	Result      string    `json:"result,omitempty"`
	ToolsUsed   []string  `json:"tools_used,omitempty"`
	Iterations  int       `json:"iterations"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Task is one orchestrated request: its plan, the agents, and the outcome.
type Task struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Message   string                 `json:"message"`
	Status    string                 `json:"status"` // running | completed | partial | failed
	SubTasks  []SubTask              `json:"sub_tasks"`
	Agents    map[string]*AgentState `json:"agents"`
	Synthesis string                 `json:"synthesis,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	DoneAt    time.Time              `json:"done_at,omitempty"`
}

// Orchestrator decomposes complex requests into role-scoped sub-agents,
// runs them in dependency waves, and synthesizes the results.
type Orchestrator struct {
	mu     sync.Mutex
	runner Runner
	router agent.ChatRouter
	bus    *bus.Bus
	tasks  map[string]*Task
}

func New(runner Runner, router agent.ChatRouter, b *bus.Bus) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		router: router,
		bus:    b,
		tasks:  make(map[string]*Task),
	}
}

const decomposePrompt = `Decide whether the request below needs multiple specialist agents or a single agent.

Respond with ONLY a JSON object, no prose:
- Simple request (one agent suffices): {"complexity": "simple"}
- Complex request: {"complexity": "complex", "sub_tasks": [{"name": "short-id", "description": "what to do", "role": "lead|backend|frontend|data|design|infra|qa|red_team|services", "tools_needed": ["tool names"], "depends_on": ["names of prerequisite sub-tasks"]}]}

Rules: at most %d sub-tasks, names unique, depends_on only references listed names.

Request:
%s`

// Analyze runs the decomposition call. A malformed or failed response
// degrades to simple rather than erroring.
func (o *Orchestrator) Analyze(ctx context.Context, message string) Decomposition {
	resp, err := o.router.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: fmt.Sprintf(decomposePrompt, maxConcurrentAgents, message),
		}},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   2000,
			providers.OptTemperature: 0.2,
		},
	}, providers.ChatOpts{})
	if err != nil {
		slog.Warn("decomposition call failed, treating as simple", "error", err)
		return Decomposition{Complexity: "simple"}
	}

	var d Decomposition
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &d); err != nil {
		slog.Warn("decomposition response unparseable, treating as simple", "error", err)
		return Decomposition{Complexity: "simple"}
	}
	if d.Complexity != "complex" || len(d.SubTasks) == 0 {
		return Decomposition{Complexity: "simple"}
	}
	if len(d.SubTasks) > maxConcurrentAgents {
		slog.Warn("decomposition over agent cap, truncating",
			"proposed", len(d.SubTasks), "cap", maxConcurrentAgents)
		d.SubTasks = d.SubTasks[:maxConcurrentAgents]
	}
	return d
}

// Execute runs the full pipeline for one request: analyze, spawn agents
// wave by wave, synthesize. Returns the task id and the synthesis text.
func (o *Orchestrator) Execute(ctx context.Context, sessionID, message string) (string, string, error) {
	d := o.Analyze(ctx, message)
	if d.Complexity != "complex" {
		// Single lead agent handles the whole request.
		d.SubTasks = []SubTask{{Name: "task", Description: message, Role: string(RoleLead)}}
	}

	task := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Message:   message,
		Status:    "running",
		SubTasks:  d.SubTasks,
		Agents:    make(map[string]*AgentState),
		CreatedAt: time.Now().UTC(),
	}
	for _, st := range d.SubTasks {
		role := NormalizeRole(st.Role)
		task.Agents[st.Name] = &AgentState{
			Name:   st.Name,
			Role:   role,
			Tier:   tierForRole(role),
			Status: "pending",
		}
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	o.emit("orchestrator_task_started", sessionID, map[string]interface{}{
		"task_id":   task.ID,
		"sub_tasks": len(d.SubTasks),
	})

	waves, cyclic := buildWaves(d.SubTasks)
	if cyclic {
		slog.Warn("dependency cycle in decomposition, running remaining sub-tasks as one wave", "task", task.ID)
	}
	o.emit("orchestrator_agents_spawning", sessionID, map[string]interface{}{
		"task_id": task.ID,
		"waves":   len(waves),
	})

	results := make(map[string]string)
	failed := 0
	for _, wave := range waves {
		var g errgroup.Group
		g.SetLimit(maxConcurrentAgents)
		for _, st := range wave {
			g.Go(func() error {
				o.runSubTask(ctx, task, st, results)
				return nil
			})
		}
		_ = g.Wait()
	}

	o.mu.Lock()
	for _, a := range task.Agents {
		if a.Status == "failed" {
			failed++
		}
	}
	o.mu.Unlock()

	synthesis := o.synthesize(ctx, task, results, failed)

	o.mu.Lock()
	task.Synthesis = synthesis
	task.DoneAt = time.Now().UTC()
	switch {
	case failed == len(task.SubTasks):
		task.Status = "failed"
	case failed > 0:
		task.Status = "partial"
	default:
		task.Status = "completed"
	}
	status := task.Status
	o.mu.Unlock()

	event := "orchestrator_task_completed"
	if status == "failed" {
		event = "orchestrator_task_failed"
	}
	o.emit(event, sessionID, map[string]interface{}{
		"task_id": task.ID,
		"status":  status,
		"failed":  failed,
	})
	return task.ID, synthesis, nil
}

// runSubTask executes one sub-agent in its own throwaway session.
func (o *Orchestrator) runSubTask(ctx context.Context, task *Task, st SubTask, results map[string]string) {
	role := NormalizeRole(st.Role)
	tier := tierForRole(role)
	params := tier.Params()

	o.mu.Lock()
	state := task.Agents[st.Name]
	state.Status = "running"
	state.StartedAt = time.Now().UTC()
	depContext := dependencyContext(st.DependsOn, results)
	o.mu.Unlock()

	o.emit("orchestrator_agent_started", task.SessionID, map[string]interface{}{
		"task_id": task.ID,
		"agent":   st.Name,
		"role":    string(role),
		"tier":    string(tier),
	})

	record := func(status, result string, reply *agent.Reply) {
		o.mu.Lock()
		state.Status = status
		state.Result = result
		state.CompletedAt = time.Now().UTC()
		if reply != nil {
			state.ToolsUsed = reply.ToolsUsed
			state.Iterations = reply.Iterations
		}
		results[st.Name] = result
		o.mu.Unlock()

		o.emit("orchestrator_agent_completed", task.SessionID, map[string]interface{}{
			"task_id": task.ID,
			"agent":   st.Name,
			"status":  status,
		})
	}

	subID, err := o.runner.Sessions().Create(sessions.CreateOpts{Channel: "subagent"})
	if err != nil {
		record("failed", "FAILED: "+err.Error(), nil)
		return
	}
	defer o.runner.Sessions().Close(subID)

	stopRelay := o.relayProgress(task, st.Name, subID)
	defer stopRelay()

	subCtx, cancel := context.WithTimeout(ctx, subAgentTimeout)
	defer cancel()

	temp := params.Temperature
	reply, err := o.runner.ProcessMessage(subCtx, subID, subTaskMessage(st, depContext), agent.ProcessOpts{
		Channel:       "subagent",
		SkipPlan:      true,
		SystemPrompt:  role.Template() + "\n\nComplete your assigned task and report the result. Do not ask questions; make reasonable assumptions and state them.",
		ToolNames:     st.ToolsNeeded,
		Temperature:   &temp,
		MaxResponse:   params.MaxResponse,
		MaxIterations: params.MaxIterations,
	})
	switch {
	case err != nil && subCtx.Err() == context.DeadlineExceeded:
		record("failed", fmt.Sprintf("FAILED: timed out after %s", subAgentTimeout), nil)
	case err != nil:
		record("failed", "FAILED: "+err.Error(), nil)
	default:
		record("completed", reply.Text, reply)
	}
}

// relayProgress watches the sub-session's tool and LLM activity and
// republishes it as orchestrator_agent_progress events so front-ends can
// render live sub-agent state. Returns the teardown func.
func (o *Orchestrator) relayProgress(task *Task, agentName, subID string) func() {
	if o.bus == nil {
		return func() {}
	}
	id := "orchestrator-progress-" + subID

	var mu sync.Mutex
	toolUses, tokens := 0, 0

	o.bus.Subscribe(id, func(ev bus.Event) {
		if ev.SessionID != subID {
			return
		}
		action := ""
		mu.Lock()
		switch ev.Kind {
		case bus.KindToolCall:
			if ev.Payload["phase"] != "start" {
				mu.Unlock()
				return
			}
			toolUses++
			action, _ = ev.Payload["name"].(string)
		case bus.KindLLMResponse:
			action = "reasoning"
			if u, ok := ev.Payload["usage"].(*providers.Usage); ok && u != nil {
				tokens += u.TotalTokens
			}
		}
		uses, toks := toolUses, tokens
		mu.Unlock()

		o.emit("orchestrator_agent_progress", task.SessionID, map[string]interface{}{
			"task_id":          task.ID,
			"agent":            agentName,
			"tool_uses":        uses,
			"estimated_tokens": toks,
			"action":           action,
		})
	}, bus.KindToolCall, bus.KindLLMResponse)

	return func() { o.bus.Unsubscribe(id) }
}

func subTaskMessage(st SubTask, depContext string) string {
	var sb strings.Builder
	sb.WriteString(st.Description)
	if depContext != "" {
		sb.WriteString("\n\n## Context from Previous Agents\n")
		sb.WriteString(depContext)
	}
	return sb.String()
}

func dependencyContext(deps []string, results map[string]string) string {
	var sb strings.Builder
	for _, dep := range deps {
		if r, ok := results[dep]; ok && r != "" {
			fmt.Fprintf(&sb, "\n### %s\n%s\n", dep, r)
		}
	}
	return sb.String()
}

const synthesisPrompt = `You coordinated specialist agents on this request:
%s

Their results follow. Combine them into one coherent answer for the user. If any agent FAILED, say so plainly and summarize what was still accomplished.

%s`

// synthesize merges sub-agent results with one LLM call. Any failure
// falls back to plain concatenation so the user always gets the results.
func (o *Orchestrator) synthesize(ctx context.Context, task *Task, results map[string]string, failed int) string {
	combined := concatResults(task.SubTasks, results)
	if len(task.SubTasks) == 1 {
		return results[task.SubTasks[0].Name]
	}

	resp, err := o.router.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: fmt.Sprintf(synthesisPrompt, task.Message, combined),
		}},
		Options: map[string]interface{}{providers.OptMaxTokens: 4000},
	}, providers.ChatOpts{})
	if err != nil || resp.Content == "" {
		if failed > 0 {
			return fmt.Sprintf("PARTIAL: %d of %d sub-tasks failed.\n\n%s", failed, len(task.SubTasks), combined)
		}
		return combined
	}
	if failed > 0 && !strings.Contains(resp.Content, "PARTIAL") {
		return fmt.Sprintf("PARTIAL: %d of %d sub-tasks failed.\n\n%s", failed, len(task.SubTasks), resp.Content)
	}
	return resp.Content
}

func concatResults(subs []SubTask, results map[string]string) string {
	var sb strings.Builder
	for _, st := range subs {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", st.Name, results[st.Name])
	}
	return strings.TrimSpace(sb.String())
}

// Progress returns a snapshot of a task's state.
func (o *Orchestrator) Progress(taskID string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return snapshot(t), true
}

// ListTasks returns snapshots of all tasks, newest first.
func (o *Orchestrator) ListTasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func snapshot(t *Task) Task {
	c := *t
	c.Agents = make(map[string]*AgentState, len(t.Agents))
	for k, v := range t.Agents {
		a := *v
		c.Agents[k] = &a
	}
	return c
}

// buildWaves groups sub-tasks so each wave only depends on earlier waves.
// A cycle collapses the unresolvable remainder into one final wave.
func buildWaves(subs []SubTask) ([][]SubTask, bool) {
	known := make(map[string]bool, len(subs))
	for _, st := range subs {
		known[st.Name] = true
	}

	done := make(map[string]bool)
	remaining := subs
	var waves [][]SubTask
	for len(remaining) > 0 {
		var ready, rest []SubTask
		for _, st := range remaining {
			ok := true
			for _, dep := range st.DependsOn {
				if known[dep] && !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, st)
			} else {
				rest = append(rest, st)
			}
		}
		if len(ready) == 0 {
			return append(waves, rest), true
		}
		for _, st := range ready {
			done[st.Name] = true
		}
		waves = append(waves, ready)
		remaining = rest
	}
	return waves, false
}

func (o *Orchestrator) emit(event, sessionID string, payload map[string]interface{}) {
	if o.bus != nil {
		o.bus.EmitSystem(event, sessionID, payload)
	}
}

// extractJSON slices the first balanced-looking JSON object out of text
// that may carry surrounding prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
