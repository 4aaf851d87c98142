// Package tokens estimates token footprints for budgeting and compaction.
// A real tokenizer is used when the encoding can be initialized; otherwise a
// word-count heuristic keeps callers working. Callers must never depend on
// exactness.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		// cl100k_base is a reasonable cross-provider approximation.
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Estimate returns an approximate token count for text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	// Heuristic fallback: ~1.3 tokens per word.
	words := len(strings.Fields(text))
	return words + words/3
}

// Message format overhead per message (role framing), matching the OpenAI
// counting guide.
const perMessageOverhead = 3

// EstimateMessages returns an approximate token count for a conversation.
// Each entry is (role, content).
func EstimateMessages(msgs []RoleContent) int {
	total := perMessageOverhead // reply priming
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(m.Role)
		total += Estimate(m.Content)
	}
	return total
}

// RoleContent is the minimal message shape for counting.
type RoleContent struct {
	Role    string
	Content string
}
