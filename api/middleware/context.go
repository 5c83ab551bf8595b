package middleware

import "context"

type contextKey string

const (
	ctxCaller    contextKey = "caller"
	ctxRequestID contextKey = "request_id"
)

// Caller is the service identity ServiceAuth extracted from the bearer token.
type Caller struct {
	Service string
	TokenID string
	Scopes  []string
}

func fromContext[T any](ctx context.Context, key contextKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	return fromContext[Caller](ctx, ctxCaller)
}

// ServiceFromContext is the caller's service name, or "" on unauthenticated routes.
func ServiceFromContext(ctx context.Context) string {
	caller, _ := CallerFromContext(ctx)
	return caller.Service
}

func TokenIDFromContext(ctx context.Context) string {
	caller, _ := CallerFromContext(ctx)
	return caller.TokenID
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := fromContext[string](ctx, ctxRequestID)
	return id
}

// WithCaller stores caller on ctx; handlers under test use it in place of a token.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxCaller, caller)
}
