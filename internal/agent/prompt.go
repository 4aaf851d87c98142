package agent

import (
	"strings"
	"time"

	"github.com/osagent/osa/internal/providers"
	"github.com/osagent/osa/internal/sessions"
	"github.com/osagent/osa/internal/tokens"
)

// Tier numbers for system-prompt blocks. Tier 1 is always included in full;
// lower tiers share what budget remains.
const (
	Tier1 = 1 // identity, tool contract, runtime facts, plan overlay
	Tier2 = 2 // skills, relevant memory, workflow context
	Tier3 = 3 // user profile, style, bulletin
	Tier4 = 4 // OS/template/machine addendums
)

// Percentage caps of system_budget per tier. Tier 1 is uncapped; tier 4
// takes whatever remains.
var tierCaps = map[int]float64{
	Tier2: 0.40,
	Tier3: 0.30,
}

const (
	defaultMaxTokens = 128_000
	responseReserve  = 4_096
	minSystemBudget  = 2_000
	truncationMarker = "\n[... truncated to fit context budget]"
)

// Block is one candidate section of the system prompt.
type Block struct {
	Name    string
	Tier    int
	Content string
}

// BuildRequest carries per-call inputs into block sources.
type BuildRequest struct {
	Session     *sessions.Session
	Signal      Signal
	LatestUser  string
	Channel     string
	Now         time.Time
	PlanOverlay bool
}

// BlockSource contributes blocks for one build. Sources returning no blocks
// are skipped; errors are not part of the contract, a source that cannot
// produce content returns nothing.
type BlockSource func(req BuildRequest) []Block

// BlockBudget is the per-block accounting entry.
type BlockBudget struct {
	Name      string `json:"name"`
	Tier      int    `json:"tier"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated"`
	Dropped   bool   `json:"dropped"`
}

// TokenBudget is the full breakdown behind one assembled prompt, used for
// the context_pressure event.
type TokenBudget struct {
	MaxTokens          int           `json:"max_tokens"`
	ConversationTokens int           `json:"conversation_tokens"`
	SystemBudget       int           `json:"system_budget"`
	SystemTokens       int           `json:"system_tokens"`
	Blocks             []BlockBudget `json:"blocks"`
}

// Utilization returns estimated usage over the window as a fraction.
func (b *TokenBudget) Utilization() float64 {
	if b.MaxTokens == 0 {
		return 0
	}
	return float64(b.ConversationTokens+b.SystemTokens+responseReserve) / float64(b.MaxTokens)
}

// Assembler builds the token-budgeted system prompt from layered sources.
type Assembler struct {
	MaxTokens int
	sources   []BlockSource
}

func NewAssembler(maxTokens int) *Assembler {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Assembler{MaxTokens: maxTokens}
}

// AddSource registers a block source. Sources run in registration order;
// within a tier that order decides who gets budget first.
func (a *Assembler) AddSource(src BlockSource) {
	a.sources = append(a.sources, src)
}

// Build produces [system_message, ...conversation] plus its budget
// breakdown.
func (a *Assembler) Build(req BuildRequest) ([]providers.Message, *TokenBudget) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	conversation := req.Session.Messages
	convTokens := estimateConversation(conversation)

	systemBudget := a.MaxTokens - responseReserve - convTokens
	if systemBudget < minSystemBudget {
		systemBudget = minSystemBudget
	}

	var blocks []Block
	for _, src := range a.sources {
		blocks = append(blocks, src(req)...)
	}

	budget := &TokenBudget{
		MaxTokens:          a.MaxTokens,
		ConversationTokens: convTokens,
		SystemBudget:       systemBudget,
	}

	var sb strings.Builder
	remaining := systemBudget

	// Tier 1 first, in full; its cost comes off the top.
	for _, blk := range blocks {
		if blk.Tier != Tier1 || blk.Content == "" {
			continue
		}
		cost := tokens.Estimate(blk.Content)
		appendBlock(&sb, blk.Content)
		remaining -= cost
		budget.Blocks = append(budget.Blocks, BlockBudget{Name: blk.Name, Tier: Tier1, Tokens: cost})
	}
	if remaining < 0 {
		remaining = 0
	}

	for _, tier := range []int{Tier2, Tier3, Tier4} {
		alloc := remaining
		if pct, capped := tierCaps[tier]; capped {
			if tierAlloc := int(pct * float64(systemBudget)); tierAlloc < alloc {
				alloc = tierAlloc
			}
		}

		for _, blk := range blocks {
			if blk.Tier != tier || blk.Content == "" {
				continue
			}
			entry := BlockBudget{Name: blk.Name, Tier: tier}
			cost := tokens.Estimate(blk.Content)

			switch {
			case alloc <= 0:
				entry.Dropped = true
			case cost <= alloc:
				appendBlock(&sb, blk.Content)
				entry.Tokens = cost
			default:
				truncated := truncateToTokens(blk.Content, alloc) + truncationMarker
				appendBlock(&sb, truncated)
				entry.Tokens = tokens.Estimate(truncated)
				entry.Truncated = true
			}
			alloc -= entry.Tokens
			remaining -= entry.Tokens
			budget.Blocks = append(budget.Blocks, entry)
		}
	}

	system := providers.Message{Role: "system", Content: sb.String()}
	budget.SystemTokens = tokens.Estimate(system.Content)

	out := make([]providers.Message, 0, len(conversation)+1)
	out = append(out, system)
	out = append(out, conversation...)
	return out, budget
}

// Budget computes the breakdown without materializing the prompt.
func (a *Assembler) Budget(req BuildRequest) *TokenBudget {
	_, budget := a.Build(req)
	return budget
}

func appendBlock(sb *strings.Builder, content string) {
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString(strings.TrimSpace(content))
}

// truncateToTokens cuts text so its estimate fits the budget. Estimation is
// approximate, so cut by proportion and re-check.
func truncateToTokens(text string, budget int) string {
	total := tokens.Estimate(text)
	if total <= budget {
		return text
	}
	runes := []rune(text)
	keep := len(runes) * budget / total
	for keep > 0 && tokens.Estimate(string(runes[:keep])) > budget {
		keep = keep * 9 / 10
	}
	return string(runes[:keep])
}

func estimateConversation(msgs []providers.Message) int {
	rc := make([]tokens.RoleContent, len(msgs))
	for i, m := range msgs {
		rc[i] = tokens.RoleContent{Role: m.Role, Content: m.Content}
	}
	return tokens.EstimateMessages(rc)
}
