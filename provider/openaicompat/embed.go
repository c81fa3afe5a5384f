package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/nevindra/conclave"
)

// Embedder implements conclave.EmbeddingProvider over the OpenAI embeddings
// endpoint.
type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

// EmbedderOption configures an Embedder instance.
type EmbedderOption func(*Embedder)

// WithEmbedderName sets the name returned by Name() (default "openai").
func WithEmbedderName(name string) EmbedderOption {
	return func(e *Embedder) { e.name = name }
}

// WithEmbedderHTTPClient sets a custom HTTP client.
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *Embedder) { e.client = c }
}

// NewEmbedder creates an OpenAI-compatible embedding provider. dimensions is
// the width of the vectors the model produces (e.g. 1536 for
// text-embedding-3-small); it is both reported via Dimensions and requested
// from models that support shortened embeddings.
func NewEmbedder(apiKey, model, baseURL string, dimensions int, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the provider name.
func (e *Embedder) Name() string { return e.name }

// Dimensions returns the configured vector width.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", e.name, err)
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &conclave.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: conclave.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wire embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	if len(wire.Data) != len(texts) {
		return nil, fmt.Errorf("%s: expected %d embeddings, got %d", e.name, len(texts), len(wire.Data))
	}

	// Responses carry an index per item; output order must match input order.
	sort.Slice(wire.Data, func(i, j int) bool { return wire.Data[i].Index < wire.Data[j].Index })

	out := make([][]float32, len(wire.Data))
	for i, d := range wire.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Compile-time interface check.
var _ conclave.EmbeddingProvider = (*Embedder)(nil)
