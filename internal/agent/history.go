package agent

import "github.com/osagent/osa/internal/providers"

// sanitizeHistory repairs tool-call pairing before a provider call. Every
// assistant tool_call id must be answered by exactly one tool message with
// that id before the next assistant turn; rehydrated or compacted history
// can violate this. Repairs:
//   - missing tool results get a synthetic "(no result recorded)" message
//   - orphaned tool messages (no matching pending call) are dropped
//   - duplicate results for the same id are dropped
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	pending := map[string]bool{}
	order := []string{}

	flushMissing := func() {
		for _, id := range order {
			if pending[id] {
				out = append(out, providers.Message{
					Role:       "tool",
					ToolCallID: id,
					Content:    "(no result recorded)",
				})
			}
		}
		pending = map[string]bool{}
		order = nil
	}

	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			flushMissing()
			out = append(out, m)
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
				order = append(order, tc.ID)
			}
		case "tool":
			if !pending[m.ToolCallID] {
				continue // orphan or duplicate
			}
			pending[m.ToolCallID] = false
			out = append(out, m)
		default:
			flushMissing()
			out = append(out, m)
		}
	}
	flushMissing()
	return out
}
