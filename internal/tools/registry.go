package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osagent/osa/internal/providers"
)

// Tool is the interface every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Metadata flags a tool may declare in addition to the Tool interface.
type Metadata struct {
	Destructive          bool
	RequiresConfirmation bool
}

// MetadataProvider is optionally implemented by tools with metadata.
type MetadataProvider interface {
	Metadata() Metadata
}

// Registry holds the process-wide tool set. Mutation is serialized through
// the registry mutex; every mutation republishes an immutable snapshot so
// the read path (ListDirect, ExecuteDirect) never blocks. Sub-agents that
// are themselves invoked from inside a tool execution must use the direct
// path to avoid waiting on their own caller.
type Registry struct {
	mu       sync.Mutex
	tools    map[string]Tool
	snapshot atomic.Pointer[map[string]Tool]
	hooks    *HookSet
}

func NewRegistry(hooks *HookSet) *Registry {
	if hooks == nil {
		hooks = NewHookSet()
	}
	r := &Registry{tools: make(map[string]Tool), hooks: hooks}
	r.publish()
	return r
}

// Hooks returns the hook set used by the execution pipeline.
func (r *Registry) Hooks() *HookSet { return r.hooks }

// Register adds a tool. Re-registering a name replaces the tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.publish()
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	r.publish()
}

// publish must run with r.mu held.
func (r *Registry) publish() {
	snap := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		snap[name] = t
	}
	r.snapshot.Store(&snap)
}

// Get returns a tool by name via the serialized path.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns sorted tool names via the serialized path.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListDirect returns sorted tool names from the lock-free snapshot.
func (r *Registry) ListDirect() []string {
	snap := *r.snapshot.Load()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDirect returns a tool from the lock-free snapshot.
func (r *Registry) GetDirect(name string) (Tool, bool) {
	snap := *r.snapshot.Load()
	t, ok := snap[name]
	return t, ok
}

// ProviderDefs returns tool definitions in function-calling shape, filtered
// to the given subset (nil = all). Reads go through the snapshot.
func (r *Registry) ProviderDefs(subset []string) []providers.ToolDefinition {
	snap := *r.snapshot.Load()

	var names []string
	if subset == nil {
		for name := range snap {
			names = append(names, name)
		}
	} else {
		for _, name := range subset {
			if _, ok := snap[name]; ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := snap[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the full pipeline through the serialized lookup path.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return r.run(ctx, t, name, args)
}

// ExecuteDirect runs the full pipeline through the lock-free snapshot.
func (r *Registry) ExecuteDirect(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.GetDirect(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return r.run(ctx, t, name, args)
}

// run applies the hook pipeline around a tool execution:
// pre hooks (blocking) → execute → post hooks (async).
func (r *Registry) run(ctx context.Context, t Tool, name string, args map[string]interface{}) *Result {
	if blocked, reason := r.hooks.RunPre(name, args); blocked {
		return ErrorResult("Blocked: " + reason)
	}

	start := time.Now()
	result := safeExecute(ctx, t, args)
	duration := time.Since(start)

	if result.IsError {
		slog.Warn("tool error", "tool", name, "error", truncate(result.ForLLM, 200))
	}

	r.hooks.RunPost(name, args, result, duration)
	return result
}

func safeExecute(ctx context.Context, t Tool, args map[string]interface{}) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", t.Name(), "panic", r)
			result = ErrorResult(fmt.Sprintf("Error: tool %s crashed", t.Name()))
		}
	}()
	return t.Execute(ctx, args)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
