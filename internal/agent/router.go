package agent

import (
	"context"

	"github.com/osagent/osa/internal/providers"
)

// ChatRouter is the slice of the provider router the loop depends on.
// *providers.Router satisfies it.
type ChatRouter interface {
	Chat(ctx context.Context, req providers.ChatRequest, opts providers.ChatOpts) (*providers.ChatResponse, error)
	ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk), opts providers.ChatOpts) (*providers.ChatResponse, error)
	Provider(name string) (providers.Provider, error)
	DefaultProvider() string
}
