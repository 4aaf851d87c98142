package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/bootstrap"
	"github.com/osagent/osa/internal/budget"
	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/config"
	"github.com/osagent/osa/internal/gateway"
	"github.com/osagent/osa/internal/memory"
	"github.com/osagent/osa/internal/orchestrator"
	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/scheduler"
	"github.com/osagent/osa/internal/sessions"
	"github.com/osagent/osa/internal/skills"
	"github.com/osagent/osa/internal/tasks"
	"github.com/osagent/osa/internal/tools"
	"github.com/osagent/osa/internal/tracing"
)

// runtime is the fully wired agent: every long-lived component plus the
// shutdown hooks that flush them.
type runtime struct {
	cfg       *config.Config
	bus       *bus.Bus
	loop      *agent.Loop
	registry  *tools.Registry
	heartbeat *scheduler.Heartbeat
	cron      *scheduler.Cron
	triggers  *scheduler.Triggers
	gateway   *gateway.Server
	treasury  *budget.Treasury
	shutdown  []func(context.Context) error
}

// buildRuntime assembles the whole system from configuration.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "osa",
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	b := bus.New()

	router, err := providers.NewRouter(providers.RouterConfig{
		AnthropicAPIKey:  cfg.Providers.AnthropicAPIKey,
		OpenAIAPIKey:     cfg.Providers.OpenAIAPIKey,
		GroqAPIKey:       cfg.Providers.GroqAPIKey,
		OpenRouterAPIKey: cfg.Providers.OpenRouterAPIKey,
		LocalBaseURL:     cfg.Providers.LocalBaseURL,
		DefaultProvider:  cfg.Providers.DefaultProvider,
		DefaultModel:     cfg.Providers.Model,
		FallbackChain:    cfg.Providers.FallbackChain,
	})
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}

	// Spend governance.
	bud := budget.New(budget.Config{
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
		PerCallLimitUSD: cfg.Budget.PerCallLimitUSD,
	}, b)
	treasury := budget.NewTreasury(budget.TreasuryConfig{
		Enabled:         cfg.Treasury.Enabled,
		AutoDebit:       cfg.Treasury.AutoDebit,
		MaxSingleUSD:    cfg.Treasury.MaxSingle,
		DailyLimitUSD:   cfg.Treasury.DailyLimit,
		MonthlyLimitUSD: cfg.Treasury.MonthlyLimit,
		MinReserveUSD:   cfg.Treasury.MinReserve,
	}, b)

	rt := &runtime{cfg: cfg, bus: b, treasury: treasury}
	rt.shutdown = append(rt.shutdown, traceShutdown)

	ledger, err := budget.OpenLedger(cfg.LedgerDB())
	if err != nil {
		slog.Warn("ledger unavailable, spend history will not persist", "error", err)
	} else {
		bud.AttachLedger(ledger)
		treasury.AttachLedger(ledger)
		rt.shutdown = append(rt.shutdown, func(context.Context) error { return ledger.Close() })
	}
	if treasury.Enabled() && cfg.Treasury.AutoDebit {
		treasury.AutoDebit(b)
	}

	// Tools.
	sandbox := tools.NewSandbox(cfg.Workspace)
	hooks := tools.NewHookSet()
	registry := tools.NewRegistry(hooks)
	shell := tools.NewShellTool(sandbox)
	registry.Register(shell)
	registry.Register(tools.NewFileReadTool(sandbox))
	registry.Register(tools.NewFileWriteTool(sandbox))

	memStore := memory.NewStore(cfg.MemoryFile())
	for _, tool := range memory.ToolSet(memStore) {
		registry.Register(tool)
	}

	skillReg := skills.NewRegistry(cfg.SkillsDir(), b)
	if err := skillReg.Load(); err != nil {
		slog.Warn("skills failed to load", "error", err)
	}
	for _, tool := range skills.ToolSet(skillReg) {
		registry.Register(tool)
	}

	tracker := tasks.NewTracker(cfg.SessionsDir(), b)
	tracker.WatchResponses(b)
	for _, tool := range tasks.ToolSet(tracker) {
		registry.Register(tool)
	}

	// Sessions and the reasoning loop.
	store, err := sessions.NewStore(cfg.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	mgr := sessions.NewManager(store)

	assembler := agent.NewAssembler(cfg.Agent.MaxTokens)
	addBlockSources(assembler, cfg, skillReg, memStore, tracker)

	compactor := agent.NewCompactor(router, cfg.Agent.MaxTokens)

	loop := agent.NewLoop(mgr, router, registry, assembler, compactor, b, bud, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		MaxTokens:       cfg.Agent.MaxTokens,
		ThinkingEnabled: cfg.Agent.ThinkingEnabled,
		ThinkingBudget:  cfg.Agent.ThinkingBudget,
		PlanModeModes:   cfg.Agent.PlanModeModes,
		PlanModeTypes:   cfg.Agent.PlanModeTypes,
	})
	rt.loop = loop
	rt.registry = registry

	// Multi-agent delegation.
	orch := orchestrator.New(loop, router, b)
	registry.Register(orchestrator.AsTool(orch))

	// Scheduling.
	rt.heartbeat = scheduler.NewHeartbeat(loop, b, cfg.HeartbeatFile(),
		cfg.Scheduler.HeartbeatIntervalMin, cfg.Scheduler.QuietHours)
	rt.cron = scheduler.NewCron(loop, b, shell, cfg.CronsFile())
	rt.triggers = scheduler.NewTriggers(loop, b, shell, cfg.TriggersFile())

	rt.gateway = gateway.NewServer(cfg, b, loop, rt.triggers, tracker)

	if created, err := bootstrap.EnsureHomeFiles(cfg.Home); err != nil {
		slog.Warn("home file seeding failed", "error", err)
	} else if len(created) > 0 {
		slog.Info("seeded home files", "files", created)
	}
	return rt, nil
}

// Close runs shutdown hooks in reverse registration order.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		if err := rt.shutdown[i](ctx); err != nil {
			slog.Warn("shutdown hook failed", "error", err)
		}
	}
}

const identityPrompt = `You are OSA, an autonomous operating system agent. You live on this machine, can run commands and edit files inside your workspace, remember facts across sessions, and manage your own scheduled work. Be direct and concrete. When a task needs several steps, track them and work through them; when it spans specialties, delegate with the orchestrate tool.`

const toolContractPrompt = `Tool use rules:
- Prefer doing over describing: if a tool can answer, call it.
- Never fabricate command output or file contents.
- Stay inside the workspace; destructive commands are refused by policy.
- Report tool failures honestly and adapt.`

const planOverlayPrompt = `PLAN MODE: do not execute anything yet. Produce a short numbered plan of the steps you would take, the tools involved, and anything risky. End by asking for approval.`

// addBlockSources wires the tiered system prompt: identity and contract
// always present, skills/memory by relevance, task state when it exists.
func addBlockSources(a *agent.Assembler, cfg *config.Config, skillReg *skills.Registry, memStore *memory.Store, tracker *tasks.Tracker) {
	a.AddSource(func(req agent.BuildRequest) []agent.Block {
		blocks := []agent.Block{
			{Name: "identity", Tier: agent.Tier1, Content: identityPrompt},
			{Name: "tool_contract", Tier: agent.Tier1, Content: toolContractPrompt},
			{Name: "runtime_facts", Tier: agent.Tier1, Content: fmt.Sprintf(
				"Current time: %s\nChannel: %s\nWorkspace: %s",
				req.Now.Format(time.RFC3339), req.Channel, cfg.Workspace)},
		}
		if req.PlanOverlay {
			blocks = append(blocks, agent.Block{Name: "plan_overlay", Tier: agent.Tier1, Content: planOverlayPrompt})
		}
		return blocks
	})

	a.AddSource(func(agent.BuildRequest) []agent.Block {
		docs := skillReg.Docs()
		if docs == "" {
			return nil
		}
		return []agent.Block{{Name: "skills", Tier: agent.Tier2, Content: docs}}
	})

	a.AddSource(func(req agent.BuildRequest) []agent.Block {
		entries, err := memStore.Recall(req.LatestUser, 5)
		if err != nil || len(entries) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString("Relevant long-term memory:\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Category, e.Content)
		}
		return []agent.Block{{Name: "memory", Tier: agent.Tier2, Content: sb.String()}}
	})

	a.AddSource(func(req agent.BuildRequest) []agent.Block {
		list := tracker.Get(req.Session.ID)
		if len(list) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString("Current task list:\n")
		for _, t := range list {
			fmt.Fprintf(&sb, "- [%d] %s (%s)\n", t.ID, t.Title, t.Status)
		}
		return []agent.Block{{Name: "tasks", Tier: agent.Tier3, Content: sb.String()}}
	})

	a.AddSource(func(agent.BuildRequest) []agent.Block {
		return fileBlock(cfg.Home+"/USER.md", "user_profile", agent.Tier3)
	})
	a.AddSource(func(agent.BuildRequest) []agent.Block {
		return fileBlock(cfg.Home+"/SYSTEM.md", "system_addendum", agent.Tier4)
	})
}

func fileBlock(path, name string, tier int) []agent.Block {
	data, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return []agent.Block{{Name: name, Tier: tier, Content: string(data)}}
}

