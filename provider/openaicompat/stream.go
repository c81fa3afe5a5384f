package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/conclave"
)

// streamSSE reads an SSE stream from body, sends chunk events to ch, and
// returns the fully accumulated response (content + usage).
//
// The channel is closed when streaming completes. The context cancels
// channel sends when the consumer is no longer interested; content
// accumulated up to that point is discarded with the error.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- conclave.StreamEvent) (conclave.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage conclave.Usage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage arrives either on the final content chunk or on a trailing
		// usage-only chunk, depending on the provider.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		fullContent.WriteString(delta.Content)
		select {
		case ch <- conclave.StreamEvent{Type: conclave.EventChunk, Content: delta.Content}:
		case <-ctx.Done():
			return conclave.ChatResponse{}, ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return conclave.ChatResponse{}, err
	}

	return conclave.ChatResponse{
		Content: fullContent.String(),
		Usage:   usage,
	}, nil
}
