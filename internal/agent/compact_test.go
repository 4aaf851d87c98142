package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/osagent/osa/internal/providers"
)

// fakeRouter is a scriptable ChatRouter for loop and compactor tests.
type fakeRouter struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
}

func (f *fakeRouter) Chat(_ context.Context, _ providers.ChatRequest, _ providers.ChatOpts) (*providers.ChatResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &providers.ChatResponse{Content: "ok"}, nil
}

func (f *fakeRouter) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk), opts providers.ChatOpts) (*providers.ChatResponse, error) {
	resp, err := f.Chat(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(providers.StreamChunk{Type: providers.DeltaText, Text: resp.Content})
		}
		onChunk(providers.StreamChunk{Type: providers.DeltaDone, Final: resp})
	}
	return resp, nil
}

func (f *fakeRouter) Provider(string) (providers.Provider, error) {
	return nil, providers.ErrConfigMissing
}

func (f *fakeRouter) DefaultProvider() string { return "fake" }

func manyMessages(n, wordsEach int) []providers.Message {
	msgs := make([]providers.Message, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = providers.Message{Role: role, Content: fmt.Sprintf("message %d %s", i, strings.Repeat("word ", wordsEach))}
	}
	return msgs
}

func TestMaybeCompactIdempotentUnderThreshold(t *testing.T) {
	c := NewCompactor(&fakeRouter{}, 100_000)
	msgs := manyMessages(10, 20)

	out := c.MaybeCompact(context.Background(), msgs)
	if len(out) != len(msgs) {
		t.Fatalf("compacted %d → %d messages below threshold", len(msgs), len(out))
	}
	for i := range out {
		if out[i].Content != msgs[i].Content {
			t.Fatalf("message %d changed below threshold", i)
		}
	}

	count, _, _ := c.Stats()
	if count != 0 {
		t.Errorf("compaction count = %d, want 0", count)
	}
}

func TestMaybeCompactSummarizesOverThreshold(t *testing.T) {
	router := &fakeRouter{responses: []*providers.ChatResponse{{Content: "- user wants a deploy pipeline\n- agreed on staging first"}}}
	// ~82% full: tier 1 background summarization.
	msgs := manyMessages(40, 40)
	c := NewCompactor(router, int(float64(estimateConversation(msgs))/0.82))

	out := c.MaybeCompact(context.Background(), msgs)
	if len(out) >= len(msgs) {
		t.Fatal("no compaction above threshold")
	}
	if router.calls != 1 {
		t.Errorf("llm calls = %d, want 1", router.calls)
	}

	found := false
	for _, m := range out {
		if m.Role == "system" && strings.HasPrefix(m.Content, summaryPrefix) {
			found = true
		}
	}
	if !found {
		t.Error("no [Context Summary] system message in output")
	}

	count, saved, _ := c.Stats()
	if count != 1 || saved <= 0 {
		t.Errorf("stats = (%d, %d), want (1, >0)", count, saved)
	}
}

func TestMaybeCompactEmergencyTierNoLLM(t *testing.T) {
	router := &fakeRouter{}
	msgs := manyMessages(40, 40)
	// > 95% full: emergency, no LLM call.
	c := NewCompactor(router, estimateConversation(msgs))

	out := c.MaybeCompact(context.Background(), msgs)
	if router.calls != 0 {
		t.Errorf("emergency tier made %d llm calls", router.calls)
	}

	nonSystem := 0
	var note string
	for _, m := range out {
		if m.Role == "system" {
			note = m.Content
		} else {
			nonSystem++
		}
	}
	if nonSystem > emergencyKeepTail {
		t.Errorf("kept %d non-system messages, want ≤ %d", nonSystem, emergencyKeepTail)
	}
	if !strings.HasPrefix(note, "[Context truncated") || !strings.Contains(note, "Earlier conversation was about:") {
		t.Errorf("synthetic note = %q", note)
	}
	if len(note) > 500 {
		t.Errorf("synthetic note %d chars, want ≤ 500", len(note))
	}
}

func TestMaybeCompactFallsBackToEmergencyOnLLMFailure(t *testing.T) {
	router := &fakeRouter{errs: []error{errors.New("upstream down")}}
	msgs := manyMessages(40, 40)
	c := NewCompactor(router, int(float64(estimateConversation(msgs))/0.90)) // tier 2

	out := c.MaybeCompact(context.Background(), msgs)
	if len(out) >= len(msgs) {
		t.Fatal("no fallback compaction when summarization failed")
	}
}

func TestForOverflowCompactsRegardlessOfEstimate(t *testing.T) {
	router := &fakeRouter{responses: []*providers.ChatResponse{{Content: "summary"}}}
	c := NewCompactor(router, 1_000_000)
	msgs := manyMessages(20, 10)

	out := c.ForOverflow(context.Background(), msgs)
	if len(out) >= len(msgs) {
		t.Error("overflow compaction returned input unchanged")
	}
}

func TestSplitOldestKeepsToolPairsTogether(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "shell"}}},
		{Role: "tool", ToolCallID: "t1", Content: "out"},
		{Role: "assistant", Content: "done"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "c"},
		{Role: "user", Content: "d"},
	}

	_, cut, tail := splitOldest(msgs, 0.3)
	if len(cut) == 0 {
		t.Fatal("nothing cut")
	}
	if len(tail) > 0 && tail[0].Role == "tool" {
		t.Error("cut separated a tool result from its assistant call")
	}
}
