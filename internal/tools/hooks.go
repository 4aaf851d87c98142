package tools

import (
	"log/slog"
	"sync"
	"time"
)

// PreHook runs before a tool executes. Returning blocked=true short-circuits
// execution; the reason becomes the tool result.
type PreHook func(tool string, args map[string]interface{}) (blocked bool, reason string)

// PostHook runs after a tool executes. Post hooks are asynchronous and must
// never propagate failures into the execution path.
type PostHook func(tool string, args map[string]interface{}, result *Result, duration time.Duration)

// HookSet holds the registered pre/post tool-use hooks.
type HookSet struct {
	mu   sync.RWMutex
	pre  []PreHook
	post []PostHook
}

func NewHookSet() *HookSet {
	return &HookSet{}
}

func (h *HookSet) AddPre(hook PreHook)   { h.mu.Lock(); h.pre = append(h.pre, hook); h.mu.Unlock() }
func (h *HookSet) AddPost(hook PostHook) { h.mu.Lock(); h.post = append(h.post, hook); h.mu.Unlock() }

// RunPre runs pre hooks synchronously in registration order. The first hook
// that blocks wins; a panicking hook is treated as neutral.
func (h *HookSet) RunPre(tool string, args map[string]interface{}) (bool, string) {
	h.mu.RLock()
	hooks := make([]PreHook, len(h.pre))
	copy(hooks, h.pre)
	h.mu.RUnlock()

	for _, hook := range hooks {
		blocked, reason := runPreIsolated(hook, tool, args)
		if blocked {
			return true, reason
		}
	}
	return false, ""
}

func runPreIsolated(hook PreHook, tool string, args map[string]interface{}) (blocked bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pre_tool_use hook panicked", "tool", tool, "panic", r)
			blocked, reason = false, ""
		}
	}()
	return hook(tool, args)
}

// RunPost fires post hooks asynchronously with the execution outcome.
func (h *HookSet) RunPost(tool string, args map[string]interface{}, result *Result, duration time.Duration) {
	h.mu.RLock()
	hooks := make([]PostHook, len(h.post))
	copy(hooks, h.post)
	h.mu.RUnlock()

	for _, hook := range hooks {
		go func(hook PostHook) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("post_tool_use hook panicked", "tool", tool, "panic", r)
				}
			}()
			hook(tool, args, result, duration)
		}(hook)
	}
}
