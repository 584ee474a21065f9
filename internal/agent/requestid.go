package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID attaches a request ID for Run to use in logs and events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// generateRequestID returns a short ID like "r_1a2b3c4d".
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
