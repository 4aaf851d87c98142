package tools

import "context"

type sessionKey struct{}

// WithSession tags a context with the session a tool call belongs to.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the owning session id, or "" outside a
// session-scoped call.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
