package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/osagent/osa/internal/budget"
	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/sessions"
	"github.com/osagent/osa/internal/tools"
)

const (
	defaultMaxIterations = 30
	maxOverflowRetries   = 3
	defaultResponseMax   = 4096
)

// User-facing failure strings. Internal details go to logs only.
const (
	msgContextExceeded = "I've exceeded the context window. Try breaking your request into smaller parts."
	msgInternalError   = "I encountered an error processing your request. Please try again."
	msgIterationLimit  = "I reached my iteration limit before finishing. Here's where I got to."
)

// Config tunes the reasoning loop.
type Config struct {
	MaxIterations   int
	MaxTokens       int
	ThinkingEnabled bool
	ThinkingBudget  int

	// Plan-mode gate. Mode/Type label domains are informal, so the
	// accepted sets are configuration, not code.
	PlanModeModes       []string
	PlanModeTypes       []string
	PlanWeightThreshold float64
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.PlanWeightThreshold == 0 {
		c.PlanWeightThreshold = 0.75
	}
	if len(c.PlanModeModes) == 0 {
		c.PlanModeModes = []string{"build", "execute", "maintain"}
	}
	if len(c.PlanModeTypes) == 0 {
		c.PlanModeTypes = []string{"request", "general"}
	}
}

// ProcessOpts carries per-call overrides into ProcessMessage.
type ProcessOpts struct {
	Provider string
	Model    string
	SkipPlan bool
	Channel  string

	// Sub-agent execution parameters.
	ToolNames     []string // nil = all registered tools
	SystemPrompt  string   // non-empty bypasses the assembler
	Temperature   *float64
	MaxResponse   int
	MaxIterations int
}

// Reply is the outcome of one ProcessMessage call.
type Reply struct {
	Text       string
	Plan       bool
	Signal     Signal
	Iterations int
	ToolsUsed  []string
	Usage      providers.Usage
}

// Loop drives the bounded ReAct cycle for every session. All session state
// access happens inside the owning actor via the session manager.
type Loop struct {
	sessions   *sessions.Manager
	router     ChatRouter
	registry   *tools.Registry
	assembler  *Assembler
	compactor  *Compactor
	classifier *Classifier
	noise      *NoiseFilter
	bus        *bus.Bus
	budget     *budget.Budget
	tracer     trace.Tracer
	cfg        Config
}

func NewLoop(mgr *sessions.Manager, router ChatRouter, registry *tools.Registry, assembler *Assembler, compactor *Compactor, b *bus.Bus, bud *budget.Budget, cfg Config) *Loop {
	cfg.applyDefaults()
	return &Loop{
		sessions:   mgr,
		router:     router,
		registry:   registry,
		assembler:  assembler,
		compactor:  compactor,
		classifier: NewClassifier(router),
		noise:      NewNoiseFilter(),
		bus:        b,
		budget:     bud,
		tracer:     otel.Tracer("osa/agent"),
		cfg:        cfg,
	}
}

// Sessions exposes the session manager.
func (l *Loop) Sessions() *sessions.Manager { return l.sessions }

// ProcessMessage runs one inbound message through the full pipeline,
// serialized by the session's actor. Synchronous to the caller.
func (l *Loop) ProcessMessage(ctx context.Context, sessionID, message string, opts ProcessOpts) (*Reply, error) {
	var reply *Reply
	var perr error
	if err := l.sessions.Do(ctx, sessionID, func(s *sessions.Session) {
		reply, perr = l.process(ctx, s, message, opts)
	}); err != nil {
		return nil, err
	}
	return reply, perr
}

func (l *Loop) process(ctx context.Context, s *sessions.Session, message string, opts ProcessOpts) (*Reply, error) {
	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.channel", channelFor(s, opts)),
		))
	defer span.End()

	if opts.Provider != "" {
		s.Provider = opts.Provider
	}
	if opts.Model != "" {
		s.Model = opts.Model
	}

	sig := l.classifier.Fast(message, channelFor(s, opts))
	s.Signal = sig
	l.classifier.ClassifyAsync(context.WithoutCancel(ctx), message, channelFor(s, opts), func(refined Signal) {
		_ = l.sessions.Do(context.Background(), s.ID, func(inner *sessions.Session) {
			inner.Signal = refined
		})
	})

	userMsg := providers.Message{Role: "user", Content: message, Channel: channelFor(s, opts)}

	if verdict := l.noise.Filter(message, sig); verdict.Noise {
		ack := l.noise.Ack(verdict.Reason, message)
		l.persist(s, userMsg)
		l.persist(s, providers.Message{Role: "assistant", Content: ack})
		if verdict.Reason == NoiseLowWeight {
			l.bus.EmitSystem("signal_low_weight", s.ID, map[string]interface{}{
				"weight": verdict.Weight,
				"reason": verdict.Reason,
			})
		}
		return &Reply{Text: ack, Signal: sig}, nil
	}

	s.Messages = l.compactor.MaybeCompact(ctx, s.Messages)
	l.persist(s, userMsg)

	s.Iteration = 0
	s.Status = sessions.StatusThinking

	if l.shouldPlan(s, sig, opts) {
		if reply, ok := l.planCall(ctx, s, sig, opts); ok {
			return reply, nil
		}
		// Plan call failed; fall through to normal execution.
	}

	reply, err := l.react(ctx, s, sig, opts)
	s.Status = sessions.StatusIdle
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// shouldPlan implements the plan-mode gate.
func (l *Loop) shouldPlan(s *sessions.Session, sig Signal, opts ProcessOpts) bool {
	if !s.PlanModeEnabled || opts.SkipPlan {
		return false
	}
	if sig.Weight < l.cfg.PlanWeightThreshold {
		return false
	}
	return contains(l.cfg.PlanModeModes, sig.Mode) && contains(l.cfg.PlanModeTypes, sig.Type)
}

// planCall makes a single no-tools LLM call with the plan overlay. The
// caller approves the plan and re-invokes with SkipPlan.
func (l *Loop) planCall(ctx context.Context, s *sessions.Session, sig Signal, opts ProcessOpts) (*Reply, bool) {
	s.Status = sessions.StatusPlanMode

	messages, _ := l.assembler.Build(BuildRequest{
		Session:     s,
		Signal:      sig,
		LatestUser:  lastUserContent(s.Messages),
		Channel:     channelFor(s, opts),
		PlanOverlay: true,
	})

	resp, err := l.router.Chat(ctx, providers.ChatRequest{
		Messages: sanitizeHistory(messages),
		Options:  l.callOptions(s, opts),
	}, providers.ChatOpts{Provider: s.Provider, Model: s.Model})
	if err != nil {
		slog.Warn("plan-mode call failed, falling through", "session", s.ID, "error", err)
		s.Status = sessions.StatusThinking
		return nil, false
	}

	l.persist(s, providers.Message{Role: "assistant", Content: resp.Content})
	l.recordCost(s, resp.Usage)
	s.Status = sessions.StatusIdle
	return &Reply{Text: resp.Content, Plan: true, Signal: sig}, true
}

// react runs the bounded LLM → tools cycle.
func (l *Loop) react(ctx context.Context, s *sessions.Session, sig Signal, opts ProcessOpts) (*Reply, error) {
	maxIter := l.cfg.MaxIterations
	if opts.MaxIterations > 0 {
		maxIter = opts.MaxIterations
	}

	toolDefs := l.registry.ProviderDefs(opts.ToolNames)
	overflowRetries := 0
	var final string
	var totalUsage providers.Usage
	var toolsUsed []string

	for s.Iteration < maxIter {
		messages := l.buildMessages(s, sig, opts)

		l.bus.Emit(bus.Event{Kind: bus.KindLLMRequest, SessionID: s.ID, Payload: map[string]interface{}{
			"iteration":     s.Iteration,
			"message_count": len(messages),
		}})

		start := time.Now()
		resp, err := l.chatStream(ctx, s, messages, toolDefs, opts)
		duration := time.Since(start)

		if err != nil {
			if providers.IsContextOverflow(err) {
				overflowRetries++
				if overflowRetries > maxOverflowRetries {
					final = msgContextExceeded
					break
				}
				slog.Warn("context overflow, compacting and retrying", "session", s.ID, "attempt", overflowRetries)
				s.Messages = l.compactor.ForOverflow(ctx, s.Messages)
				continue // retries do not count against the iteration cap
			}
			slog.Error("llm call failed", "session", s.ID, "error", err)
			final = msgInternalError
			break
		}

		l.bus.Emit(bus.Event{Kind: bus.KindLLMResponse, SessionID: s.ID, Payload: map[string]interface{}{
			"iteration":   s.Iteration,
			"duration_ms": duration.Milliseconds(),
			"usage":       resp.Usage,
		}})
		l.recordCost(s, resp.Usage)
		totalUsage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}

		l.persist(s, providers.Message{
			Role:           "assistant",
			Content:        resp.Content,
			ToolCalls:      resp.ToolCalls,
			ThinkingBlocks: resp.ThinkingBlocks,
		})
		for _, tc := range resp.ToolCalls {
			toolsUsed = append(toolsUsed, tc.Name)
			l.runTool(ctx, s, tc)
		}

		s.Iteration++
	}

	if final == "" {
		final = msgIterationLimit
	}

	l.persist(s, providers.Message{Role: "assistant", Content: final})

	pressure := l.assembler.Budget(BuildRequest{Session: s, Signal: sig, Channel: channelFor(s, opts)})
	l.bus.EmitSystem("context_pressure", s.ID, map[string]interface{}{
		"estimated_tokens": pressure.ConversationTokens + pressure.SystemTokens,
		"max_tokens":       pressure.MaxTokens,
		"utilization":      pressure.Utilization(),
	})
	l.bus.Emit(bus.Event{Kind: bus.KindAgentResponse, SessionID: s.ID, Payload: map[string]interface{}{
		"content":    final,
		"iterations": s.Iteration,
	}})

	s.LastMeta = sessions.LastMeta{Iterations: s.Iteration, ToolsUsed: dedupe(toolsUsed)}

	return &Reply{
		Text:       final,
		Signal:     sig,
		Iterations: s.Iteration,
		ToolsUsed:  dedupe(toolsUsed),
		Usage:      totalUsage,
	}, nil
}

// buildMessages assembles the provider message list for one iteration.
func (l *Loop) buildMessages(s *sessions.Session, sig Signal, opts ProcessOpts) []providers.Message {
	if opts.SystemPrompt != "" {
		out := make([]providers.Message, 0, len(s.Messages)+1)
		out = append(out, providers.Message{Role: "system", Content: opts.SystemPrompt})
		out = append(out, s.Messages...)
		return sanitizeHistory(out)
	}
	messages, _ := l.assembler.Build(BuildRequest{
		Session:    s,
		Signal:     sig,
		LatestUser: lastUserContent(s.Messages),
		Channel:    channelFor(s, opts),
	})
	return sanitizeHistory(messages)
}

// chatStream performs one streaming provider call, relaying deltas onto
// the bus. The callback touches no session state.
func (l *Loop) chatStream(ctx context.Context, s *sessions.Session, messages []providers.Message, toolDefs []providers.ToolDefinition, opts ProcessOpts) (*providers.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "agent.llm_call",
		trace.WithAttributes(attribute.Int("iteration", s.Iteration)))
	defer span.End()

	sessionID := s.ID
	resp, err := l.router.ChatStream(ctx, providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Options:  l.callOptions(s, opts),
	}, func(chunk providers.StreamChunk) {
		switch chunk.Type {
		case providers.DeltaText:
			l.bus.EmitSystem("streaming_token", sessionID, map[string]interface{}{"text": chunk.Text})
		case providers.DeltaThinking:
			l.bus.EmitSystem("thinking_delta", sessionID, map[string]interface{}{"text": chunk.Text})
		}
	}, providers.ChatOpts{Provider: s.Provider, Model: s.Model})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	return resp, err
}

// callOptions builds the per-call option map.
func (l *Loop) callOptions(s *sessions.Session, opts ProcessOpts) map[string]interface{} {
	options := map[string]interface{}{}
	if opts.MaxResponse > 0 {
		options[providers.OptMaxTokens] = opts.MaxResponse
	} else {
		options[providers.OptMaxTokens] = defaultResponseMax
	}
	if opts.Temperature != nil {
		options[providers.OptTemperature] = *opts.Temperature
	}
	if l.cfg.ThinkingEnabled && l.cfg.ThinkingBudget > 0 {
		if p, err := l.router.Provider(s.Provider); err == nil && p.SupportsThinking() {
			options[providers.OptThinkingBudget] = l.cfg.ThinkingBudget
		}
	}
	return options
}

// runTool executes one tool call and appends its result message.
func (l *Loop) runTool(ctx context.Context, s *sessions.Session, tc providers.ToolCall) {
	ctx, span := l.tracer.Start(ctx, "agent.tool_call",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	l.bus.Emit(bus.Event{Kind: bus.KindToolCall, SessionID: s.ID, Payload: map[string]interface{}{
		"phase": "start",
		"name":  tc.Name,
		"args":  argsHint(tc.Arguments),
	}})

	start := time.Now()
	result := l.registry.ExecuteDirect(tools.WithSession(ctx, s.ID), tc.Name, tc.Arguments)
	duration := time.Since(start)

	if result.IsError {
		span.SetStatus(codes.Error, firstNChars(result.ForLLM, 120))
	}

	l.persist(s, providers.Message{
		Role:       "tool",
		ToolCallID: tc.ID,
		Content:    result.ForLLM,
		Blocks:     result.Blocks,
	})

	l.bus.Emit(bus.Event{Kind: bus.KindToolCall, SessionID: s.ID, Payload: map[string]interface{}{
		"phase":       "end",
		"name":        tc.Name,
		"duration_ms": duration.Milliseconds(),
		"is_error":    result.IsError,
	}})
}

// persist appends to both the in-memory log and the JSONL store.
func (l *Loop) persist(s *sessions.Session, msg providers.Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.Append(msg)
	if store := l.sessions.Store(); store != nil {
		if err := store.Append(s.ID, msg); err != nil {
			slog.Warn("session persistence failed", "session", s.ID, "error", err)
		}
	}
}

func (l *Loop) recordCost(s *sessions.Session, usage *providers.Usage) {
	if l.budget == nil || usage == nil {
		return
	}
	provider := s.Provider
	if provider == "" {
		provider = l.router.DefaultProvider()
	}
	model := s.Model
	if model == "" {
		if p, err := l.router.Provider(provider); err == nil {
			model = p.DefaultModel()
		}
	}
	l.budget.RecordCost(provider, model, int64(usage.PromptTokens), int64(usage.CompletionTokens), s.ID)
}

// argsHint renders a short preview of tool arguments for events.
func argsHint(args map[string]interface{}) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return firstNChars(string(b), 120)
}

func lastUserContent(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func channelFor(s *sessions.Session, opts ProcessOpts) string {
	if opts.Channel != "" {
		return opts.Channel
	}
	if s.Channel != "" {
		return s.Channel
	}
	return "cli"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
