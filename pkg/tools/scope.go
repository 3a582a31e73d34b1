package tools

import "context"

// RunScope identifies the run a tool invocation belongs to. Process-wide
// tools (such as archive recall) read it from the context instead of taking
// identity arguments the model would have to supply.
type RunScope struct {
	RunID     string
	SessionID string
}

type runScopeKey struct{}

// WithRunScope annotates ctx with the run's identity. Set once at the top of
// orchestration; every delegation and tool call inherits it.
func WithRunScope(ctx context.Context, scope RunScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, scope)
}

// RunScopeFrom returns the run scope carried by ctx, if any.
func RunScopeFrom(ctx context.Context) (RunScope, bool) {
	scope, ok := ctx.Value(runScopeKey{}).(RunScope)
	return scope, ok
}
