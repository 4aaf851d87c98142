package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/osagent/osa/internal/providers"
)

// Signal is the 5-tuple classification of an inbound message. Mode and Type
// drive noise gating and plan-mode triggering; the rest is telemetry.
type Signal struct {
	Mode   string  `json:"mode"` // analyze, build, execute, maintain, converse
	Genre  string  `json:"genre"`
	Type   string  `json:"type"` // request, question, general, chitchat
	Format string  `json:"format"`
	Weight float64 `json:"weight"` // [0,1]
}

// Classifier produces signals: a deterministic fast path plus an optional
// LLM refinement that runs in the background.
type Classifier struct {
	router ChatRouter
}

func NewClassifier(router ChatRouter) *Classifier {
	return &Classifier{router: router}
}

var (
	buildWords    = []string{"create", "build", "write", "implement", "add", "make", "generate", "scaffold", "draft", "design"}
	executeWords  = []string{"run", "execute", "deploy", "install", "start", "stop", "restart", "launch", "trigger", "send"}
	maintainWords = []string{"fix", "update", "upgrade", "refactor", "clean", "patch", "repair", "migrate", "rename", "remove"}
	analyzeWords  = []string{"why", "how", "what", "explain", "analyze", "analyse", "compare", "review", "check", "debug", "investigate", "summarize"}

	greetingRe = regexp.MustCompile(`^(hi|hello|hey|yo|sup|howdy|good (morning|afternoon|evening|night))[\s!.,]*$`)
	thanksRe   = regexp.MustCompile(`^(thanks|thank you|thx|ty|tysm|cheers)[\s!.,]*$`)
	ackRe      = regexp.MustCompile(`^(ok|okay|k|kk|cool|nice|great|got it|sure|yep|yes|no|lol|haha)[\s!.,]*$`)

	codeRe = regexp.MustCompile("```|\\bfunc \\b|\\bdef \\b|\\bclass \\b|\\{.*\\}")
	urlRe  = regexp.MustCompile(`https?://\S+`)
)

// Fast classifies a message with deterministic rules only. It must stay
// cheap enough to run inline on every inbound message.
func (c *Classifier) Fast(message, channel string) Signal {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	sig := Signal{Mode: "converse", Genre: "general", Type: "general", Format: "text", Weight: 0.5}

	if trimmed == "" {
		sig.Weight = 0
		return sig
	}
	if greetingRe.MatchString(lower) || thanksRe.MatchString(lower) || ackRe.MatchString(lower) {
		sig.Type = "chitchat"
		sig.Genre = "social"
		sig.Weight = 0.1
		return sig
	}

	switch {
	case codeRe.MatchString(trimmed):
		sig.Format = "code"
	case urlRe.MatchString(trimmed):
		sig.Format = "link"
	}

	words := strings.Fields(lower)
	head := ""
	if len(words) > 0 {
		head = strings.Trim(words[0], ".,!?")
	}

	switch {
	case matchAny(head, lower, buildWords):
		sig.Mode = "build"
		sig.Type = "request"
	case matchAny(head, lower, executeWords):
		sig.Mode = "execute"
		sig.Type = "request"
	case matchAny(head, lower, maintainWords):
		sig.Mode = "maintain"
		sig.Type = "request"
	case matchAny(head, lower, analyzeWords):
		sig.Mode = "analyze"
		sig.Type = "question"
	}

	if strings.HasSuffix(trimmed, "?") {
		sig.Type = "question"
		if sig.Mode == "converse" {
			sig.Mode = "analyze"
		}
	}

	// Weight scales with length and specificity; imperatives carry more.
	switch {
	case len(words) < 3:
		sig.Weight = 0.3
	case len(words) < 10:
		sig.Weight = 0.6
	default:
		sig.Weight = 0.8
	}
	if sig.Type == "request" && sig.Mode != "converse" {
		sig.Weight += 0.15
	}
	if sig.Weight > 1 {
		sig.Weight = 1
	}

	if channel == "heartbeat" {
		sig.Genre = "scheduled"
	}
	return sig
}

func matchAny(head, lower string, words []string) bool {
	for _, w := range words {
		if head == w {
			return true
		}
	}
	// Polite prefixes ("can you build...", "please fix...") bury the verb.
	for _, w := range words {
		if strings.Contains(lower, " "+w+" ") || strings.HasPrefix(lower, w+" ") {
			return true
		}
	}
	return false
}

const refinePrompt = `Classify the user message. Respond with strict JSON only, no prose:
{"mode":"analyze|build|execute|maintain|converse","genre":"<short label>","type":"request|question|general|chitchat","format":"text|code|link","weight":0.0}
weight is task importance in [0,1].`

// ClassifyAsync starts an LLM refinement in the background. The attach
// callback receives the refined signal later; failures are dropped.
func (c *Classifier) ClassifyAsync(ctx context.Context, message, channel string, attach func(Signal)) {
	if c.router == nil || attach == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Debug("signal refinement panicked", "panic", r)
			}
		}()

		resp, err := c.router.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				{Role: "system", Content: refinePrompt},
				{Role: "user", Content: message},
			},
			Options: map[string]interface{}{
				providers.OptMaxTokens:   200,
				providers.OptTemperature: 0.0,
			},
		}, providers.ChatOpts{})
		if err != nil {
			slog.Debug("signal refinement failed", "error", err)
			return
		}

		var refined Signal
		if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &refined); err != nil {
			slog.Debug("signal refinement unparseable", "error", err)
			return
		}
		if refined.Mode == "" {
			return
		}
		attach(refined)
	}()
}

// extractJSON strips surrounding prose or code fences from an LLM reply
// that should have been bare JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
