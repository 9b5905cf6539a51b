package shared

import (
	"context"

	"github.com/google/uuid"
)

type sessionIDKey struct{}
type requestIDKey struct{}

// NewSessionID identifies one run of the shell host in logs and audit rows.
func NewSessionID() string {
	return uuid.NewString()
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID returns "-" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithRequestID attaches the agent protocol requestId of the message being handled.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
