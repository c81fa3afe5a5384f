package conclave

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive request and token rate
// limiting over a one-minute sliding window. Calls block until the budget
// allows them to proceed.
type rateLimitProvider struct {
	inner Provider

	mu     sync.Mutex
	rpm    int
	tpm    int
	window []rateEntry
}

// rateEntry is one completed or admitted request in the sliding window.
type rateEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures rate limiting.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute. Zero disables the request limit.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined). The
// limit is soft: the request that crosses it completes, and later requests
// block until the window slides. Zero disables the token limit.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Composes with the
// Gateway's retry handling, which sits above it:
//
//	gw := conclave.NewGateway(conclave.WithRateLimit(provider, conclave.RPM(60)))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.rpm <= 0 && r.tpm <= 0 {
		return p
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordTokens(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordTokens(resp.Usage)
	}
	return resp, err
}

// admit blocks until both limits allow a request, then records it in the
// window. Returns ctx.Err() if the context ends while waiting.
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.prune(now.Add(-time.Minute))

		requests := len(r.window)
		tokens := 0
		for _, e := range r.window {
			tokens += e.tokens
		}

		if (r.rpm <= 0 || requests < r.rpm) && (r.tpm <= 0 || tokens < r.tpm) {
			r.window = append(r.window, rateEntry{at: now})
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry leaves the window.
		wait := 10 * time.Millisecond
		if len(r.window) > 0 {
			if w := r.window[0].at.Add(time.Minute).Sub(now); w > wait {
				wait = w
			}
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordTokens attributes observed usage to the most recent admission so the
// token limit reflects real consumption.
func (r *rateLimitProvider) recordTokens(u Usage) {
	total := u.InputTokens + u.OutputTokens
	if total <= 0 || r.tpm <= 0 {
		return
	}
	r.mu.Lock()
	if n := len(r.window); n > 0 {
		r.window[n-1].tokens += total
	} else {
		r.window = append(r.window, rateEntry{at: time.Now(), tokens: total})
	}
	r.mu.Unlock()
}

// prune drops window entries older than cutoff. Caller holds mu.
func (r *rateLimitProvider) prune(cutoff time.Time) {
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	r.window = r.window[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
