package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Router maps canonical chat requests onto concrete backends. It holds a
// configured default plus a fallback chain derived from available
// credentials; on provider failure the next chain member is tried and the
// caller sees a single result or a composite error.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaults  string   // default provider name
	chain     []string // fallback order, default first
}

// RouterConfig configures a new Router.
type RouterConfig struct {
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	GroqAPIKey       string
	OpenRouterAPIKey string
	LocalBaseURL     string

	DefaultProvider string
	DefaultModel    string
	FallbackChain   []string // explicit chain; empty = derive from credentials
}

// NewRouter builds the provider set from available credentials. The local
// provider joins the chain only when its TCP probe succeeds.
func NewRouter(cfg RouterConfig) (*Router, error) {
	r := &Router{providers: make(map[string]Provider)}

	if cfg.AnthropicAPIKey != "" {
		r.providers["anthropic"] = NewAnthropicProvider(cfg.AnthropicAPIKey, WithAnthropicModel(cfg.DefaultModel))
	}
	if cfg.OpenAIAPIKey != "" {
		r.providers["openai"] = NewOpenAIProvider("openai", cfg.OpenAIAPIKey, "", "gpt-4o")
	}
	if cfg.GroqAPIKey != "" {
		r.providers["groq"] = NewOpenAIProvider("groq", cfg.GroqAPIKey, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile")
	}
	if cfg.OpenRouterAPIKey != "" {
		r.providers["openrouter"] = NewOpenAIProvider("openrouter", cfg.OpenRouterAPIKey, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929")
	}
	if cfg.LocalBaseURL != "" {
		local := NewLocalProvider(cfg.LocalBaseURL, "llama3.2")
		if local.Probe() {
			r.providers["local"] = local
		} else {
			slog.Debug("local provider not reachable, excluded from chain", "base", cfg.LocalBaseURL)
		}
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no provider credentials configured: %w", ErrConfigMissing)
	}

	// Default: configured name if available, else first available in
	// preference order.
	r.defaults = cfg.DefaultProvider
	if _, ok := r.providers[r.defaults]; !ok {
		for _, name := range []string{"anthropic", "openai", "groq", "openrouter", "local"} {
			if _, ok := r.providers[name]; ok {
				r.defaults = name
				break
			}
		}
	}

	if len(cfg.FallbackChain) > 0 {
		for _, name := range cfg.FallbackChain {
			if _, ok := r.providers[name]; ok {
				r.chain = append(r.chain, name)
			}
		}
	}
	if len(r.chain) == 0 {
		r.chain = append(r.chain, r.defaults)
		for _, name := range []string{"anthropic", "openai", "groq", "openrouter", "local"} {
			if name == r.defaults {
				continue
			}
			if _, ok := r.providers[name]; ok {
				r.chain = append(r.chain, name)
			}
		}
	}

	return r, nil
}

// RegisterProvider adds or replaces a provider (used by tests and reload).
func (r *Router) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	for _, name := range r.chain {
		if name == p.Name() {
			return
		}
	}
	r.chain = append(r.chain, p.Name())
}

// DefaultProvider returns the configured default backend.
func (r *Router) DefaultProvider() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Provider returns the named backend, or the default when name is empty.
func (r *Router) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaults
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", name, ErrConfigMissing)
	}
	return p, nil
}

// Chain returns the fallback order snapshot.
func (r *Router) Chain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.chain))
	copy(out, r.chain)
	return out
}

// ChatOpts carries per-call routing overrides.
type ChatOpts struct {
	Provider   string // override provider, empty = default
	Model      string // override model, empty = provider default
	NoFallback bool   // pin to the requested provider only
}

// Chat routes a non-streaming call through the fallback chain.
func (r *Router) Chat(ctx context.Context, req ChatRequest, opts ChatOpts) (*ChatResponse, error) {
	return routeCall(r, ctx, req, opts, func(p Provider, req ChatRequest) (*ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// ChatStream routes a streaming call through the fallback chain. Fallback
// only applies to connection-phase failures; once deltas flow, errors
// surface directly.
func (r *Router) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk), opts ChatOpts) (*ChatResponse, error) {
	return routeCall(r, ctx, req, opts, func(p Provider, req ChatRequest) (*ChatResponse, error) {
		return p.ChatStream(ctx, req, onChunk)
	})
}

func routeCall(r *Router, ctx context.Context, req ChatRequest, opts ChatOpts, call func(Provider, ChatRequest) (*ChatResponse, error)) (*ChatResponse, error) {
	candidates := r.candidates(opts)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no providers available: %w", ErrConfigMissing)
	}

	var errs []error
	for i, name := range candidates {
		p, err := r.Provider(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		callReq := req
		// Model overrides only apply to the explicitly requested provider;
		// fallback members use their own default.
		if i == 0 && opts.Model != "" {
			callReq.Model = opts.Model
		} else if i > 0 {
			callReq.Model = ""
		}

		resp, err := call(p, callReq)
		if err == nil {
			return resp, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", name, err))

		// Context overflow must reach the reasoning loop for compaction;
		// other members would refuse for the same reason anyway.
		if IsContextOverflow(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("provider failed, trying next in chain", "provider", name, "error", err)
	}

	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (r *Router) candidates(opts ChatOpts) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if opts.Provider != "" {
		if opts.NoFallback {
			return []string{opts.Provider}
		}
		out := []string{opts.Provider}
		for _, name := range r.chain {
			if name != opts.Provider {
				out = append(out, name)
			}
		}
		return out
	}

	out := make([]string, len(r.chain))
	copy(out, r.chain)
	return out
}

// Describe returns a human-readable chain summary for diagnostics.
func (r *Router) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("default=%s chain=%s", r.defaults, strings.Join(r.chain, "→"))
}
