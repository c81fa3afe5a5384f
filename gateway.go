package conclave

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultAttempts    = 3
	defaultBaseDelay   = time.Second
	defaultCallTimeout = 60 * time.Second
	defaultEncoding    = "cl100k_base"
)

// Gateway wraps a Provider with the engine's transmission rules: message
// alternation, context-window fitting, bounded retries with exponential
// backoff and jitter, and per-call timeouts. One Gateway is shared across
// requests; all methods are safe for concurrent use.
type Gateway struct {
	provider Provider

	model       string
	maxTokens   int
	temperature float64

	attempts      int
	baseDelay     time.Duration
	timeout       time.Duration
	contextBudget int
	encodingName  string

	logger  *slog.Logger
	tracer  Tracer
	metrics RunMetrics

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithModelDefaults sets the model id, max tokens, and temperature used when
// a call's Params leave them zero.
func WithModelDefaults(model string, maxTokens int, temperature float64) GatewayOption {
	return func(g *Gateway) {
		g.model = model
		g.maxTokens = maxTokens
		g.temperature = temperature
	}
}

// WithAttempts sets the default retry budget per call.
func WithAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithBaseDelay sets the first backoff delay. Each retry doubles it.
func WithBaseDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.baseDelay = d
		}
	}
}

// WithCallTimeout sets the default per-call timeout used when Params.Timeout
// is zero.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithContextBudget caps the token count of transmitted message sequences.
// History is dropped oldest-first until the sequence fits; the system head
// and the final user entry are never dropped. Zero disables fitting.
func WithContextBudget(tokens int) GatewayOption {
	return func(g *Gateway) { g.contextBudget = tokens }
}

// WithEncoding names the tiktoken encoding used for context fitting.
func WithEncoding(name string) GatewayOption {
	return func(g *Gateway) {
		if name != "" {
			g.encodingName = name
		}
	}
}

// WithGatewayLogger sets the logger. Defaults to a no-op logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGatewayTracer sets the span tracer for gateway calls.
func WithGatewayTracer(t Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// WithGatewayMetrics sets the token-usage recorder.
func WithGatewayMetrics(m RunMetrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a Gateway over p.
func NewGateway(p Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:     p,
		attempts:     defaultAttempts,
		baseDelay:    defaultBaseDelay,
		timeout:      defaultCallTimeout,
		encodingName: defaultEncoding,
		logger:       nopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NormalizeMessages applies the alternation rule: consecutive same-role
// entries are merged with a newline separator, a leading system message is
// retained as a single head entry, and the remainder must strictly alternate
// user/assistant beginning with user. Any other shape is a programmer error
// and fails with KindConsistency.
func NormalizeMessages(msgs []ChatMessage) ([]ChatMessage, error) {
	if len(msgs) == 0 {
		return nil, Fail(KindConsistency, "empty message sequence")
	}

	merged := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content += "\n" + m.Content
			continue
		}
		merged = append(merged, ChatMessage{Role: m.Role, Content: m.Content})
	}

	body := merged
	if body[0].Role == RoleSystem {
		body = body[1:]
	}
	if len(body) == 0 {
		return nil, Fail(KindConsistency, "message sequence has no user turn")
	}
	for i, m := range body {
		switch {
		case m.Role == RoleSystem:
			return nil, Fail(KindConsistency, "system message outside the head position")
		case i%2 == 0 && m.Role != RoleUser:
			return nil, Fail(KindConsistency, "expected user role at turn %d, got %s", i, m.Role)
		case i%2 == 1 && m.Role != RoleAssistant:
			return nil, Fail(KindConsistency, "expected assistant role at turn %d, got %s", i, m.Role)
		}
	}
	return merged, nil
}

// Complete sends messages and returns the full response text.
func (g *Gateway) Complete(ctx context.Context, msgs []ChatMessage, p Params) (string, error) {
	resp, err := g.call(ctx, msgs, p, nil)
	return resp.Content, err
}

// Stream sends messages and forwards text deltas to out as EventChunk
// events. A terminal EventDone is always the last event, carrying the
// cancelled flag when the stream ended early; out is closed afterwards.
// The returned string is the text accumulated before any interruption.
func (g *Gateway) Stream(ctx context.Context, msgs []ChatMessage, p Params, out chan<- StreamEvent) (string, error) {
	resp, err := g.call(ctx, msgs, p, out)
	return resp.Content, err
}

// streamDeltas runs a streaming call over a private channel and forwards
// only the chunk events into ch, which stays open and caller-owned. Agents
// and the aggregator use this so the request's event channel survives the
// model call; terminal events are the orchestrator's business.
func (g *Gateway) streamDeltas(ctx context.Context, msgs []ChatMessage, p Params, ch chan<- StreamEvent) (string, error) {
	inner := make(chan StreamEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range inner {
			if ev.Type != EventChunk {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()
	content, err := g.Stream(ctx, msgs, p, inner)
	<-done
	return content, err
}

// call runs the retry loop around one provider invocation. When out is
// non-nil the call streams; retries then apply only until the first delta
// has been forwarded.
func (g *Gateway) call(ctx context.Context, msgs []ChatMessage, p Params, out chan<- StreamEvent) (ChatResponse, error) {
	if out != nil {
		defer close(out)
	}

	normalized, err := NormalizeMessages(msgs)
	if err != nil {
		if out != nil {
			out <- doneEvent(false)
		}
		return ChatResponse{}, err
	}
	normalized = g.fitContext(normalized)

	req := ChatRequest{
		Messages:    normalized,
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		TopP:        p.TopP,
		Stop:        p.Stop,
	}
	if p.ModelID != "" {
		req.Model = p.ModelID
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = p.MaxTokens
	}
	if p.Temperature > 0 {
		req.Temperature = p.Temperature
	}

	budget := g.attempts
	if p.AttemptBudget > 0 {
		budget = p.AttemptBudget
	}
	callTimeout := g.timeout
	if p.Timeout > 0 {
		callTimeout = p.Timeout
	}

	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "gateway.call",
			StringAttr("model", req.Model),
			BoolAttr("streaming", out != nil))
		defer span.End()
	}

	var (
		lastErr      error
		timeoutRetry bool
		accumulated  ChatResponse
	)
	for attempt := 1; attempt <= budget; attempt++ {
		if ctx.Err() != nil {
			if out != nil {
				out <- doneEvent(true)
			}
			return accumulated, WrapErr(KindCancelled, "gateway call cancelled", ctx.Err())
		}

		resp, sent, err := g.attempt(ctx, req, callTimeout, out)
		if err == nil {
			if g.metrics != nil {
				g.metrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
			if span != nil {
				span.SetAttr(IntAttr("tokens.input", resp.Usage.InputTokens),
					IntAttr("tokens.output", resp.Usage.OutputTokens))
			}
			if out != nil {
				out <- doneEvent(false)
			}
			return resp, nil
		}
		accumulated = resp
		lastErr = err

		if ctx.Err() != nil {
			if out != nil {
				out <- doneEvent(true)
			}
			return accumulated, WrapErr(KindCancelled, "gateway call cancelled", ctx.Err())
		}
		if sent {
			// Deltas already reached the caller; restarting would duplicate
			// text. Partial output remains valid.
			break
		}

		retryable, wait := classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			// Per-call timeout: retried once, independent of other failures.
			if timeoutRetry {
				break
			}
			timeoutRetry = true
			retryable = true
		}
		if !retryable || attempt == budget {
			break
		}

		delay := g.baseDelay << (attempt - 1)
		delay += time.Duration(rand.Int63n(int64(delay/2 + 1)))
		if wait > 0 {
			delay = wait
		}
		g.logger.Warn("gateway retrying",
			"provider", g.provider.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if out != nil {
				out <- doneEvent(true)
			}
			return accumulated, WrapErr(KindCancelled, "gateway call cancelled", ctx.Err())
		case <-timer.C:
		}
	}

	if span != nil {
		span.Error(lastErr)
	}
	if out != nil {
		out <- doneEvent(ctx.Err() != nil)
	}
	if KindOf(lastErr) == KindCancelled {
		return accumulated, lastErr
	}
	return accumulated, WrapErr(KindModelUnavailable, "provider "+g.provider.Name()+" failed", lastErr)
}

// attempt performs one provider call. For streaming calls it forwards chunk
// events to out and reports whether any delta reached the caller.
func (g *Gateway) attempt(ctx context.Context, req ChatRequest, timeout time.Duration, out chan<- StreamEvent) (ChatResponse, bool, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if out == nil {
		resp, err := g.provider.Chat(callCtx, req)
		return resp, false, err
	}

	inner := make(chan StreamEvent, 16)
	var (
		resp ChatResponse
		err  error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		resp, err = g.provider.ChatStream(callCtx, req, inner)
	}()

	sent := false
	for ev := range inner {
		if ev.Type != EventChunk {
			continue
		}
		select {
		case out <- ev:
			sent = true
		case <-ctx.Done():
			// Caller is gone; drain the provider until it notices the
			// cancelled context and closes inner.
		}
	}
	<-done
	return resp, sent, err
}

// classify decides whether an error is worth another attempt and extracts a
// provider-mandated wait when present. Transport errors and 5xx/429 statuses
// retry; protocol errors (other 4xx, engine errors) do not.
func classify(err error) (retryable bool, wait time.Duration) {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Retryable(), httpErr.RetryAfter
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return false, 0
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	// Unrecognized errors are assumed transient (connection resets, DNS).
	return true, 0
}

// fitContext drops the oldest droppable entries until the sequence fits the
// configured token budget. The system head and the final entry (the current
// user turn) are never dropped; alternation is restored after each cut.
func (g *Gateway) fitContext(msgs []ChatMessage) []ChatMessage {
	if g.contextBudget <= 0 || len(msgs) == 0 {
		return msgs
	}

	head := 0
	if msgs[0].Role == RoleSystem {
		head = 1
	}
	for g.sequenceTokens(msgs) > g.contextBudget && len(msgs) > head+1 {
		// Cut the oldest history entry; take its partner too when that
		// leaves an assistant turn leading the body.
		cut := head + 1
		if cut < len(msgs)-1 && msgs[cut].Role == RoleAssistant {
			cut++
		}
		msgs = append(msgs[:head], msgs[cut:]...)
	}
	if over := g.sequenceTokens(msgs) - g.contextBudget; over > 0 {
		g.logger.Warn("message sequence exceeds context budget after fitting",
			"over_tokens", over)
	}
	return msgs
}

// sequenceTokens estimates the transmitted token count, including per-message
// role overhead and the reply priming.
func (g *Gateway) sequenceTokens(msgs []ChatMessage) int {
	total := 3
	for _, m := range msgs {
		total += 4 + g.countTokens(string(m.Role)) + g.countTokens(m.Content)
	}
	return total
}

// countTokens counts tokens with the configured encoding, falling back to a
// bytes/4 estimate when the encoding is unavailable.
func (g *Gateway) countTokens(text string) int {
	g.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(g.encodingName)
		if err != nil {
			g.logger.Warn("token encoding unavailable, estimating",
				"encoding", g.encodingName, "error", err)
			return
		}
		g.enc = enc
	})
	if g.enc == nil {
		return len(text) / 4
	}
	return len(g.enc.Encode(text, nil, nil))
}

// nopLogger returns a logger that discards everything.
func nopLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
