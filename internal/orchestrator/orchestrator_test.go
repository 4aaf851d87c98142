package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/sessions"
)

type stubRouter struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	errs      []error
	calls     int
}

func (r *stubRouter) Chat(_ context.Context, _ providers.ChatRequest, _ providers.ChatOpts) (*providers.ChatResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i < len(r.responses) {
		return r.responses[i], nil
	}
	return &providers.ChatResponse{Content: "ok"}, nil
}

func (r *stubRouter) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk), opts providers.ChatOpts) (*providers.ChatResponse, error) {
	return r.Chat(ctx, req, opts)
}

func (r *stubRouter) Provider(string) (providers.Provider, error) {
	return nil, providers.ErrConfigMissing
}
func (r *stubRouter) DefaultProvider() string { return "stub" }

// stubRunner answers sub-agent runs from a reply function and records
// every call for assertions. onCall, when set, sees the sub-session id
// before the reply is produced.
type stubRunner struct {
	mu     sync.Mutex
	mgr    *sessions.Manager
	reply  func(message string, opts agent.ProcessOpts) (*agent.Reply, error)
	onCall func(sessionID string)
	calls  []struct {
		Message string
		Opts    agent.ProcessOpts
	}
}

func newStubRunner(t *testing.T, reply func(string, agent.ProcessOpts) (*agent.Reply, error)) *stubRunner {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &stubRunner{mgr: sessions.NewManager(store), reply: reply}
}

func (r *stubRunner) Sessions() *sessions.Manager { return r.mgr }

func (r *stubRunner) ProcessMessage(_ context.Context, sessionID string, message string, opts agent.ProcessOpts) (*agent.Reply, error) {
	r.mu.Lock()
	r.calls = append(r.calls, struct {
		Message string
		Opts    agent.ProcessOpts
	}{message, opts})
	onCall := r.onCall
	r.mu.Unlock()
	if onCall != nil {
		onCall(sessionID)
	}
	return r.reply(message, opts)
}

func (r *stubRunner) callFor(fragment string) (string, agent.ProcessOpts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c.Message, fragment) {
			return c.Message, c.Opts, true
		}
	}
	return "", agent.ProcessOpts{}, false
}

func TestNormalizeRole(t *testing.T) {
	cases := map[string]Role{
		"backend":  RoleBackend,
		"DevOps":   RoleInfra,
		"testing":  RoleQA,
		"security": RoleRedTeam,
		"pm":       RoleLead,
		"unknown":  RoleLead,
		"red_team": RoleRedTeam,
	}
	for in, want := range cases {
		if got := NormalizeRole(in); got != want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTierParams(t *testing.T) {
	if p := tierForRole(RoleLead).Params(); p.MaxIterations != 25 || p.MaxResponse != 8192 {
		t.Errorf("elite params = %+v", p)
	}
	if p := tierForRole(RoleQA).Params(); p.MaxIterations != 8 || p.Temperature != 0.2 {
		t.Errorf("utility params = %+v", p)
	}
	if p := tierForRole(RoleBackend).Params(); p.MaxIterations != 15 {
		t.Errorf("specialist params = %+v", p)
	}
}

func TestBuildWaves(t *testing.T) {
	subs := []SubTask{
		{Name: "schema", Role: "data"},
		{Name: "api", Role: "backend", DependsOn: []string{"schema"}},
		{Name: "ui", Role: "frontend", DependsOn: []string{"api"}},
		{Name: "docs", Role: "design"},
	}
	waves, cyclic := buildWaves(subs)
	if cyclic {
		t.Fatal("unexpected cycle")
	}
	if len(waves) != 3 {
		t.Fatalf("waves = %d, want 3", len(waves))
	}
	if len(waves[0]) != 2 {
		t.Errorf("first wave = %d tasks, want schema+docs", len(waves[0]))
	}
	if waves[2][0].Name != "ui" {
		t.Errorf("last wave = %v", waves[2])
	}
}

func TestBuildWavesCycleFallback(t *testing.T) {
	subs := []SubTask{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	waves, cyclic := buildWaves(subs)
	if !cyclic {
		t.Fatal("cycle not detected")
	}
	total := 0
	for _, w := range waves {
		total += len(w)
	}
	if total != 2 {
		t.Errorf("cycle fallback lost tasks: %d of 2", total)
	}
}

func TestBuildWavesIgnoresUnknownDeps(t *testing.T) {
	subs := []SubTask{{Name: "a", DependsOn: []string{"nonexistent"}}}
	waves, cyclic := buildWaves(subs)
	if cyclic || len(waves) != 1 || len(waves[0]) != 1 {
		t.Errorf("waves = %v cyclic = %v", waves, cyclic)
	}
}

func TestAnalyzeDegradesToSimple(t *testing.T) {
	for name, router := range map[string]*stubRouter{
		"llm error":  {errs: []error{errors.New("down")}},
		"bad json":   {responses: []*providers.ChatResponse{{Content: "sure, here's my take"}}},
		"empty list": {responses: []*providers.ChatResponse{{Content: `{"complexity":"complex","sub_tasks":[]}`}}},
	} {
		o := New(newStubRunner(t, nil), router, nil)
		if d := o.Analyze(context.Background(), "hi"); d.Complexity != "simple" {
			t.Errorf("%s: complexity = %q, want simple", name, d.Complexity)
		}
	}
}

func TestAnalyzeParsesComplex(t *testing.T) {
	router := &stubRouter{responses: []*providers.ChatResponse{{
		Content: "```json\n{\"complexity\":\"complex\",\"sub_tasks\":[{\"name\":\"a\",\"description\":\"x\",\"role\":\"backend\"},{\"name\":\"b\",\"description\":\"y\",\"role\":\"qa\",\"depends_on\":[\"a\"]}]}\n```",
	}}}
	o := New(newStubRunner(t, nil), router, nil)
	d := o.Analyze(context.Background(), "build and test the service")
	if d.Complexity != "complex" || len(d.SubTasks) != 2 {
		t.Fatalf("decomposition = %+v", d)
	}
	if d.SubTasks[1].DependsOn[0] != "a" {
		t.Errorf("deps = %v", d.SubTasks[1].DependsOn)
	}
}

func TestExecutePassesDependencyContext(t *testing.T) {
	router := &stubRouter{responses: []*providers.ChatResponse{
		{Content: `{"complexity":"complex","sub_tasks":[
			{"name":"schema","description":"design the schema","role":"data"},
			{"name":"api","description":"build the api","role":"backend","depends_on":["schema"]}]}`},
		{Content: "combined answer"},
	}}
	runner := newStubRunner(t, func(msg string, _ agent.ProcessOpts) (*agent.Reply, error) {
		if strings.Contains(msg, "schema") && !strings.Contains(msg, "api") {
			return &agent.Reply{Text: "users table with id and email"}, nil
		}
		return &agent.Reply{Text: "REST endpoints done"}, nil
	})

	o := New(runner, router, nil)
	_, synthesis, err := o.Execute(context.Background(), "parent", "build the user service")
	if err != nil {
		t.Fatal(err)
	}
	if synthesis != "combined answer" {
		t.Errorf("synthesis = %q", synthesis)
	}

	msg, opts, ok := runner.callFor("build the api")
	if !ok {
		t.Fatal("api sub-agent never ran")
	}
	if !strings.Contains(msg, "Context from Previous Agents") || !strings.Contains(msg, "users table") {
		t.Errorf("dependency context missing from message:\n%s", msg)
	}
	if opts.MaxIterations != 15 || opts.MaxResponse != 4096 {
		t.Errorf("backend tier params not applied: %+v", opts)
	}
	if opts.Temperature == nil || *opts.Temperature != 0.4 {
		t.Errorf("temperature = %v", opts.Temperature)
	}
	if !opts.SkipPlan || opts.Channel != "subagent" {
		t.Errorf("sub-agent opts = %+v", opts)
	}
	if !strings.Contains(opts.SystemPrompt, "backend engineering agent") {
		t.Errorf("role template missing from system prompt")
	}
}

func TestExecutePartialOnFailure(t *testing.T) {
	router := &stubRouter{responses: []*providers.ChatResponse{
		{Content: `{"complexity":"complex","sub_tasks":[
			{"name":"good","description":"works fine","role":"backend"},
			{"name":"bad","description":"always breaks","role":"qa"}]}`},
		nil, // synthesis errors, forcing concatenation fallback
	}}
	router.errs = []error{nil, errors.New("synthesis down")}
	runner := newStubRunner(t, func(msg string, _ agent.ProcessOpts) (*agent.Reply, error) {
		if strings.Contains(msg, "breaks") {
			return nil, errors.New("tool exploded")
		}
		return &agent.Reply{Text: "done"}, nil
	})

	o := New(runner, router, nil)
	taskID, synthesis, err := o.Execute(context.Background(), "parent", "do both things")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(synthesis, "PARTIAL") {
		t.Errorf("synthesis = %q, want PARTIAL marker", synthesis)
	}
	if !strings.Contains(synthesis, "## good") || !strings.Contains(synthesis, "FAILED: tool exploded") {
		t.Errorf("fallback concatenation incomplete:\n%s", synthesis)
	}

	task, ok := o.Progress(taskID)
	if !ok {
		t.Fatal("task not tracked")
	}
	if task.Status != "partial" {
		t.Errorf("status = %q, want partial", task.Status)
	}
	if task.Agents["bad"].Status != "failed" || task.Agents["good"].Status != "completed" {
		t.Errorf("agent states = %+v / %+v", task.Agents["good"], task.Agents["bad"])
	}
}

func TestExecuteSimpleRunsSingleLead(t *testing.T) {
	router := &stubRouter{responses: []*providers.ChatResponse{{Content: `{"complexity":"simple"}`}}}
	runner := newStubRunner(t, func(string, agent.ProcessOpts) (*agent.Reply, error) {
		return &agent.Reply{Text: "single answer"}, nil
	})

	o := New(runner, router, nil)
	taskID, synthesis, err := o.Execute(context.Background(), "parent", "what time is it")
	if err != nil {
		t.Fatal(err)
	}
	// One agent means no synthesis call: its result passes through.
	if synthesis != "single answer" {
		t.Errorf("synthesis = %q", synthesis)
	}
	task, _ := o.Progress(taskID)
	if task.Status != "completed" || len(task.Agents) != 1 {
		t.Errorf("task = %+v", task)
	}
	if _, opts, ok := runner.callFor("what time is it"); !ok {
		t.Error("lead agent never ran")
	} else if opts.MaxIterations != 25 {
		t.Errorf("lead tier not elite: %+v", opts)
	}
}

func TestExecuteRelaysAgentProgress(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var progress []map[string]interface{}
	b.Subscribe("collector", func(ev bus.Event) {
		if ev.Payload["event"] == "orchestrator_agent_progress" {
			mu.Lock()
			progress = append(progress, ev.Payload)
			mu.Unlock()
		}
	}, bus.KindSystemEvent)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(progress)
	}

	router := &stubRouter{responses: []*providers.ChatResponse{{Content: `{"complexity":"simple"}`}}}
	runner := newStubRunner(t, func(string, agent.ProcessOpts) (*agent.Reply, error) {
		// Hold the sub-agent open until the relayed events arrive, so the
		// relay subscription is still alive when we assert.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && count() < 2 {
			time.Sleep(10 * time.Millisecond)
		}
		return &agent.Reply{Text: "done"}, nil
	})
	runner.onCall = func(sessionID string) {
		b.Emit(bus.Event{Kind: bus.KindToolCall, SessionID: sessionID, Payload: map[string]interface{}{
			"phase": "start", "name": "shell",
		}})
		b.Emit(bus.Event{Kind: bus.KindLLMResponse, SessionID: sessionID, Payload: map[string]interface{}{
			"usage": &providers.Usage{TotalTokens: 42},
		}})
	}

	o := New(runner, router, b)
	if _, _, err := o.Execute(context.Background(), "parent", "run the report"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawTool, sawTokens bool
	for _, p := range progress {
		if p["action"] == "shell" && p["tool_uses"] == 1 {
			sawTool = true
		}
		if p["estimated_tokens"] == 42 {
			sawTokens = true
		}
	}
	if !sawTool || !sawTokens {
		t.Errorf("progress events missing detail (tool=%v tokens=%v): %v", sawTool, sawTokens, progress)
	}
}

func TestExecuteEmitsTaskFailedEvent(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var events []string
	b.Subscribe("collector", func(ev bus.Event) {
		if name, ok := ev.Payload["event"].(string); ok {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	}, bus.KindSystemEvent)

	router := &stubRouter{responses: []*providers.ChatResponse{{Content: `{"complexity":"simple"}`}}}
	runner := newStubRunner(t, func(string, agent.ProcessOpts) (*agent.Reply, error) {
		return nil, errors.New("everything broke")
	})

	o := New(runner, router, b)
	taskID, _, err := o.Execute(context.Background(), "parent", "doomed request")
	if err != nil {
		t.Fatal(err)
	}
	task, _ := o.Progress(taskID)
	if task.Status != "failed" {
		t.Fatalf("status = %q, want failed", task.Status)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "orchestrator_task_failed" {
				return true
			}
		}
		return false
	})
	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if e == "orchestrator_task_completed" {
			t.Errorf("failed task also emitted completion: %v", events)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestListTasksNewestFirst(t *testing.T) {
	router := &stubRouter{}
	runner := newStubRunner(t, func(string, agent.ProcessOpts) (*agent.Reply, error) {
		return &agent.Reply{Text: "ok"}, nil
	})
	o := New(runner, router, nil)
	o.Execute(context.Background(), "s", "first")
	o.Execute(context.Background(), "s", "second")

	tasks := o.ListTasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if tasks[0].Message != "second" {
		t.Errorf("order = [%s, %s]", tasks[0].Message, tasks[1].Message)
	}
}
