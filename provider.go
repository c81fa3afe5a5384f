package conclave

import "context"

// Provider is a chat model backend. Implementations live in provider/
// subpackages; the engine talks to providers only through the Gateway.
type Provider interface {
	// Chat sends a conversation and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatStream sends a conversation and emits EventChunk events on ch as
	// deltas arrive, closing ch when the stream ends. The returned
	// ChatResponse carries the accumulated content and usage. Partial text
	// already emitted remains valid when an error cuts the stream short.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)

	// Name identifies the provider in logs and errors.
	Name() string
}

// EmbeddingProvider converts text into fixed-dimension vectors.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the width of vectors this provider produces.
	Dimensions() int

	// Name identifies the provider in logs and errors.
	Name() string
}
