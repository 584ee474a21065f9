package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends one request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
