package llm

import "context"

// Caller identifies who is behind a Generate call. Accounting
// decorators read it from the context; providers ignore it.
type Caller struct {
	UserID string
	Node   string
}

type callerKey struct{}

// WithCaller attaches call attribution to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the call attribution, zero when unset.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
