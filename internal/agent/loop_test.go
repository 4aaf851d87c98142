package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/sessions"
	"github.com/osagent/osa/internal/tools"
)

type busRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func recordBus(b *bus.Bus) *busRecorder {
	r := &busRecorder{}
	b.Subscribe("loop-test", func(ev bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}, bus.KindLLMRequest, bus.KindLLMResponse, bus.KindToolCall, bus.KindAgentResponse, bus.KindSystemEvent)
	return r
}

func (r *busRecorder) countKind(kind bus.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *busRecorder) toolPhases(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == bus.KindToolCall && ev.Payload["name"] == name {
			out = append(out, ev.Payload["phase"].(string))
		}
	}
	return out
}

func newTestLoop(t *testing.T, router ChatRouter, reg *tools.Registry) (*Loop, *bus.Bus, *busRecorder, string) {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := sessions.NewManager(store)
	id, err := mgr.Create(sessions.CreateOpts{Channel: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	if reg == nil {
		reg = tools.NewRegistry(nil)
	}
	b := bus.New()
	rec := recordBus(b)

	assembler := NewAssembler(128_000)
	assembler.AddSource(staticSource("identity", Tier1, "You are a test agent."))
	compactor := NewCompactor(router, 128_000)
	loop := NewLoop(mgr, router, reg, assembler, compactor, b, nil, Config{})
	// Background refinement would race the scripted router in tests.
	loop.classifier = NewClassifier(nil)
	return loop, b, rec, id
}

// waitForBus gives async bus handlers time to drain.
func waitForBus() { time.Sleep(50 * time.Millisecond) }

func TestNoisePassThrough(t *testing.T) {
	router := &fakeRouter{}
	loop, _, rec, id := newTestLoop(t, router, nil)

	reply, err := loop.ProcessMessage(context.Background(), id, "thanks", ProcessOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "👍" {
		t.Errorf("reply = %q, want canned ack", reply.Text)
	}
	if router.calls != 0 {
		t.Errorf("llm calls = %d, want 0", router.calls)
	}
	waitForBus()
	if n := rec.countKind(bus.KindLLMRequest); n != 0 {
		t.Errorf("llm_request events = %d, want 0", n)
	}

	msgs, err := loop.Sessions().GetMessages(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("persisted = %+v, want user + canned assistant", msgs)
	}
}

func TestSingleToolRoundTrip(t *testing.T) {
	router := &fakeRouter{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]interface{}{"path": "foo.txt"}}}},
		{Content: "foo.txt says: hello"},
	}}

	reg := tools.NewRegistry(nil)
	sandbox := tools.NewSandbox(t.TempDir())
	reg.Register(tools.NewFileReadTool(sandbox))

	loop, _, rec, id := newTestLoop(t, router, reg)

	reply, err := loop.ProcessMessage(context.Background(), id, "show me file foo.txt", ProcessOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "foo.txt says: hello" {
		t.Errorf("reply = %q", reply.Text)
	}
	if router.calls != 2 {
		t.Errorf("llm calls = %d, want 2", router.calls)
	}
	if len(reply.ToolsUsed) != 1 || reply.ToolsUsed[0] != "file_read" {
		t.Errorf("tools used = %v", reply.ToolsUsed)
	}

	waitForBus()
	if n := rec.countKind(bus.KindLLMRequest); n != 2 {
		t.Errorf("llm_request events = %d, want 2", n)
	}
	phases := rec.toolPhases("file_read")
	if len(phases) != 2 || phases[0] != "start" || phases[1] != "end" {
		t.Errorf("tool_call phases = %v, want [start end]", phases)
	}
	if n := rec.countKind(bus.KindAgentResponse); n != 1 {
		t.Errorf("agent_response events = %d, want 1", n)
	}

	// Tool-call pairing in the persisted log.
	msgs, _ := loop.Sessions().GetMessages(id)
	for i, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			if i+1 >= len(msgs) || msgs[i+1].Role != "tool" || msgs[i+1].ToolCallID != m.ToolCalls[0].ID {
				t.Errorf("tool call %s not followed by matching tool message", m.ToolCalls[0].ID)
			}
		}
	}
}

func TestContextOverflowRetry(t *testing.T) {
	router := &fakeRouter{
		errs: []error{
			errors.New("this model's maximum context length is 8192 tokens"),
			nil, // summarization call inside the compactor
			nil, // retried chat call
		},
		responses: []*providers.ChatResponse{
			nil,
			{Content: "summary of earlier chat"},
			{Content: "recovered answer"},
		},
	}
	loop, _, _, id := newTestLoop(t, router, nil)

	// Seed enough history for the overflow compaction to bite on.
	for i := 0; i < 20; i++ {
		_ = loop.Sessions().Do(context.Background(), id, func(s *sessions.Session) {
			s.Append(providers.Message{Role: "user", Content: strings.Repeat("context ", 30)})
			s.Append(providers.Message{Role: "assistant", Content: "noted"})
		})
	}

	reply, err := loop.ProcessMessage(context.Background(), id, "continue the plan for the deployment", ProcessOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "recovered answer" {
		t.Errorf("reply = %q, want recovered answer", reply.Text)
	}
}

func TestOverflowGivesUpAfterThreeRetries(t *testing.T) {
	overflow := errors.New("maximum context length exceeded")
	router := &fakeRouter{errs: []error{
		overflow, nil, // attempt 1 + compactor summary
		overflow, nil, // attempt 2 + compactor summary
		overflow, nil, // attempt 3 + compactor summary
		overflow, nil, // attempt 4 → give up
	}}
	loop, _, _, id := newTestLoop(t, router, nil)
	for i := 0; i < 20; i++ {
		_ = loop.Sessions().Do(context.Background(), id, func(s *sessions.Session) {
			s.Append(providers.Message{Role: "user", Content: strings.Repeat("x ", 40)})
			s.Append(providers.Message{Role: "assistant", Content: "ok"})
		})
	}

	reply, err := loop.ProcessMessage(context.Background(), id, "keep going with the analysis please", ProcessOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "context window") {
		t.Errorf("reply = %q, want context-window failure message", reply.Text)
	}
}

func TestBoundedIterations(t *testing.T) {
	// The model asks for a tool on every turn, forever.
	router := &loopingRouter{}
	reg := tools.NewRegistry(nil)
	reg.Register(&echoTool{})

	loop, _, _, id := newTestLoop(t, router, reg)
	reply, err := loop.ProcessMessage(context.Background(), id, "run echo until done", ProcessOpts{MaxIterations: 5})
	if err != nil {
		t.Fatal(err)
	}
	if router.calls > 5 {
		t.Errorf("llm calls = %d, want ≤ 5", router.calls)
	}
	if !strings.Contains(reply.Text, "iteration limit") {
		t.Errorf("reply = %q, want iteration-limit message", reply.Text)
	}
}

func TestProviderFailureYieldsUserFacingMessage(t *testing.T) {
	router := &fakeRouter{errs: []error{errors.New("boom")}}
	loop, _, _, id := newTestLoop(t, router, nil)

	reply, err := loop.ProcessMessage(context.Background(), id, "please analyze the service logs", ProcessOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "error") {
		t.Errorf("reply = %q, want neutral error message", reply.Text)
	}
}

// loopingRouter always requests another tool call.
type loopingRouter struct {
	calls int
}

func (r *loopingRouter) Chat(context.Context, providers.ChatRequest, providers.ChatOpts) (*providers.ChatResponse, error) {
	r.calls++
	return &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{ID: "t", Name: "echo", Arguments: map[string]interface{}{"text": "again"}}},
	}, nil
}

func (r *loopingRouter) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk), opts providers.ChatOpts) (*providers.ChatResponse, error) {
	return r.Chat(ctx, req, opts)
}

func (r *loopingRouter) Provider(string) (providers.Provider, error) {
	return nil, providers.ErrConfigMissing
}
func (r *loopingRouter) DefaultProvider() string { return "fake" }

type echoTool struct{}

func (e *echoTool) Name() string                       { return "echo" }
func (e *echoTool) Description() string                { return "echo" }
func (e *echoTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (e *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	text, _ := args["text"].(string)
	return tools.NewResult(text)
}
