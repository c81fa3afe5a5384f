package conclave

import (
	"context"
	"testing"
	"time"
)

func TestWithRateLimitDisabledIsPassthrough(t *testing.T) {
	inner := &stubProvider{}
	if got := WithRateLimit(inner); got != Provider(inner) {
		t.Error("no limits configured should return the inner provider unchanged")
	}
	if got := WithRateLimit(inner, RPM(0), TPM(0)); got != Provider(inner) {
		t.Error("zero limits should return the inner provider unchanged")
	}
	if got := WithRateLimit(inner, RPM(1)); got == Provider(inner) {
		t.Error("an active limit should wrap the provider")
	}
}

func TestRateLimitAdmitsUpToRPM(t *testing.T) {
	inner := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(inner, RPM(2))

	ctx := context.Background()
	req := ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}
	for i := 0; i < 2; i++ {
		if _, err := p.Chat(ctx, req); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	// The window is full for a minute; the third call must block until the
	// deadline fires.
	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := p.Chat(blocked, req)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if inner.callCount() != 2 {
		t.Errorf("got %d inner calls, want 2", inner.callCount())
	}
}

func TestRateLimitTPMBlocksAfterSpend(t *testing.T) {
	inner := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "big", Usage: Usage{InputTokens: 8, OutputTokens: 12}}},
	}}
	p := WithRateLimit(inner, TPM(10))

	ctx := context.Background()
	req := ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}
	if _, err := p.Chat(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(blocked, req); err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("got %d inner calls, want 1", inner.callCount())
	}
}

func TestRateLimitChatStreamClosesChannelWhenBlocked(t *testing.T) {
	inner := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
	}}
	p := WithRateLimit(inner, RPM(1))

	ctx := context.Background()
	req := ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}
	if _, err := p.Chat(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	ch := make(chan StreamEvent, 4)
	if _, err := p.ChatStream(blocked, req, ch); err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if _, open := <-ch; open {
		t.Error("channel should be closed when admission fails")
	}
}

func TestRateLimitStreamPassesThrough(t *testing.T) {
	inner := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "ok", Usage: Usage{OutputTokens: 2}}, tokens: []string{"o", "k"}},
	}}
	p := WithRateLimit(inner, RPM(5), TPM(100))

	ch := make(chan StreamEvent, 4)
	resp, err := p.ChatStream(context.Background(), ChatRequest{Messages: []ChatMessage{UserMessage("hi")}}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("got %q, want %q", resp.Content, "ok")
	}
	events := drainEvents(ch)
	if len(events) != 2 || events[0].Content != "o" || events[1].Content != "k" {
		t.Errorf("unexpected events: %+v", events)
	}
}
