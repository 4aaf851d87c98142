package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/osagent/osa/internal/providers"
)

// Compaction tier thresholds on tokens_before / max_tokens.
const (
	tierEmergencyRatio  = 0.95
	tierAggressiveRatio = 0.85
	tierBackgroundRatio = 0.80
)

const (
	emergencyKeepTail = 10
	summaryPrefix     = "[Context Summary]"
)

// Compactor compresses conversation history when its token footprint
// approaches the window. MaybeCompact never fails: any internal error
// returns the input unchanged (or falls back to the no-LLM emergency tier).
type Compactor struct {
	router    ChatRouter
	maxTokens int

	mu          sync.Mutex
	count       int
	tokensSaved int
	lastAt      time.Time
}

func NewCompactor(router ChatRouter, maxTokens int) *Compactor {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Compactor{router: router, maxTokens: maxTokens}
}

// Stats returns (compactions, tokens saved, last run).
func (c *Compactor) Stats() (int, int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.tokensSaved, c.lastAt
}

// MaybeCompact compresses messages when the threshold tiers demand it.
// Below the lowest threshold the input is returned unchanged.
func (c *Compactor) MaybeCompact(ctx context.Context, msgs []providers.Message) []providers.Message {
	before := estimateConversation(msgs)
	ratio := float64(before) / float64(c.maxTokens)

	var out []providers.Message
	switch {
	case ratio > tierEmergencyRatio:
		out = c.emergency(msgs)
	case ratio > tierAggressiveRatio:
		out = c.summarize(ctx, msgs, 0.50, "Summarize the following conversation as key facts, bullet points only. No prose.")
	case ratio > tierBackgroundRatio:
		out = c.summarize(ctx, msgs, 0.30, "Summarize the following conversation. Preserve decisions and key facts.")
	default:
		return msgs
	}

	after := estimateConversation(out)
	c.mu.Lock()
	c.count++
	c.tokensSaved += before - after
	c.lastAt = time.Now().UTC()
	c.mu.Unlock()

	slog.Info("history compacted", "tokens_before", before, "tokens_after", after, "saved", before-after)
	return out
}

// ForOverflow compacts after a provider refused for length, regardless of
// local estimates. It tries a summarization pass and falls back to the
// emergency tier.
func (c *Compactor) ForOverflow(ctx context.Context, msgs []providers.Message) []providers.Message {
	out := c.summarize(ctx, msgs, 0.50, "Summarize the following conversation as key facts, bullet points only. No prose.")
	if len(out) >= len(msgs) {
		out = c.emergency(msgs)
	}
	return out
}

// summarize replaces the oldest fraction of non-system messages with one
// LLM-written summary. On LLM failure it degrades to the emergency tier.
func (c *Compactor) summarize(ctx context.Context, msgs []providers.Message, fraction float64, instruction string) []providers.Message {
	head, cut, tail := splitOldest(msgs, fraction)
	if len(cut) == 0 {
		return msgs
	}

	summary, err := c.llmSummary(ctx, cut, instruction)
	if err != nil {
		slog.Warn("summarization failed, using emergency truncation", "error", err)
		return c.emergency(msgs)
	}

	out := make([]providers.Message, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, providers.Message{
		Role:    "system",
		Content: summaryPrefix + "\n" + summary,
	})
	out = append(out, tail...)
	return out
}

func (c *Compactor) llmSummary(ctx context.Context, cut []providers.Message, instruction string) (string, error) {
	if c.router == nil {
		return "", fmt.Errorf("no router configured")
	}

	var sb strings.Builder
	for _, m := range cut {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			content = fmt.Sprintf("(requested tools: %s)", toolNames(m.ToolCalls))
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
	}

	resp, err := c.router.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: instruction},
			{Role: "user", Content: sb.String()},
		},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1000,
			providers.OptTemperature: 0.3,
		},
	}, providers.ChatOpts{})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

// emergency keeps all system messages plus the last 10 non-system messages
// and condenses everything else into one synthetic system line. No LLM.
func (c *Compactor) emergency(msgs []providers.Message) []providers.Message {
	var systems []providers.Message
	var rest []providers.Message
	for _, m := range msgs {
		if m.Role == "system" {
			systems = append(systems, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= emergencyKeepTail {
		return msgs
	}

	dropped := rest[:len(rest)-emergencyKeepTail]
	kept := rest[len(rest)-emergencyKeepTail:]

	// Tool-call pairing: never let the kept tail start with orphaned tool
	// results.
	for len(kept) > 0 && kept[0].Role == "tool" {
		kept = kept[1:]
	}

	var topics []string
	for _, m := range dropped {
		if m.Role != "user" {
			continue
		}
		topics = append(topics, firstNChars(m.Content, 100))
	}
	note := "[Context truncated to fit the window. Earlier conversation was about: " +
		strings.Join(topics, "; ") + "]"
	note = firstNChars(note, 500)

	out := make([]providers.Message, 0, len(systems)+1+len(kept))
	out = append(out, systems...)
	out = append(out, providers.Message{Role: "system", Content: note})
	out = append(out, kept...)
	return out
}

// splitOldest cuts the oldest fraction of non-system messages, extending
// the cut so an assistant tool-call message is never separated from its
// tool results.
func splitOldest(msgs []providers.Message, fraction float64) (head, cut, tail []providers.Message) {
	firstNonSystem := -1
	for i, m := range msgs {
		if m.Role != "system" {
			firstNonSystem = i
			break
		}
	}
	if firstNonSystem < 0 {
		return msgs, nil, nil
	}

	nonSystem := len(msgs) - firstNonSystem
	n := int(float64(nonSystem) * fraction)
	if n < 2 {
		return msgs, nil, nil
	}

	end := firstNonSystem + n
	for end < len(msgs) && msgs[end].Role == "tool" {
		end++
	}

	return msgs[:firstNonSystem], msgs[firstNonSystem:end], msgs[end:]
}

func toolNames(calls []providers.ToolCall) string {
	names := make([]string, len(calls))
	for i, tc := range calls {
		names[i] = tc.Name
	}
	return strings.Join(names, ", ")
}

func firstNChars(s string, n int) string {
	runes := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n])
}
