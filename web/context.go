package web

import "context"

type requestIDKey struct{}
type correlationIDKey struct{}

// WithRequestID returns a context carrying a request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom reports the request ID stored in ctx, if any.
func RequestIDFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(requestIDKey{}).(string)
	return s, ok && s != ""
}

// WithCorrelationID returns a context carrying a correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom reports the correlation ID stored in ctx, if any.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(correlationIDKey{}).(string)
	return s, ok && s != ""
}
