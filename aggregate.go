package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// usedThreshold is the Jaccard similarity above which an agent's output
	// counts as incorporated into the synthesized reply.
	usedThreshold = 0.15
	// ngramSize is the word n-gram width for the overlap heuristic.
	ngramSize = 3
)

// Aggregator folds multiple agent outputs into one reply. It renders
// aggregator.synthesize over the ordered outputs and calls the model, then
// attributes the result: every dispatched agent appears exactly once in the
// contributor list, with used set by token overlap between its output and
// the final text.
type Aggregator struct {
	gateway *Gateway
	prompts *PromptStore

	params Params
	logger *slog.Logger
	tracer Tracer
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorParams sets the model call parameters for synthesis.
func WithAggregatorParams(p Params) AggregatorOption {
	return func(a *Aggregator) { a.params = p }
}

// WithAggregatorLogger sets the logger. Defaults to a no-op logger.
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAggregatorTracer sets the tracer for per-synthesis spans.
func WithAggregatorTracer(t Tracer) AggregatorOption {
	return func(a *Aggregator) { a.tracer = t }
}

// NewAggregator creates an Aggregator.
func NewAggregator(gateway *Gateway, prompts *PromptStore, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		gateway: gateway,
		prompts: prompts,
		logger:  nopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Synthesize combines the ordered agent outputs into one reply. With a
// non-nil ch, the synthesis model call streams its deltas into it; the
// channel is not closed. Outputs must contain at least one non-failed entry;
// the orchestrator screens all-failed runs before calling.
func (a *Aggregator) Synthesize(ctx context.Context, run *RunContext, outputs []AgentResponse, ch chan<- StreamEvent) (string, []Contributor, error) {
	if len(outputs) == 0 {
		return "", nil, Fail(KindConsistency, "nothing to synthesize")
	}
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "aggregator.synthesize",
			IntAttr("outputs", len(outputs)))
		defer span.End()
	}

	prompt, err := a.prompts.Render("aggregator.synthesize", map[string]string{
		"query":   run.Query,
		"outputs": outputsBlock(outputs),
	})
	if err != nil {
		return "", nil, err
	}

	msgs := []ChatMessage{UserMessage(prompt)}
	var content string
	if ch != nil {
		content, err = a.gateway.streamDeltas(ctx, msgs, a.params, ch)
	} else {
		content, err = a.gateway.Complete(ctx, msgs, a.params)
	}
	if err != nil {
		return "", nil, err
	}

	contributors := Attribute(outputs, content)
	a.logger.Info("outputs synthesized",
		"agents", len(contributors), "chars", len(content))
	return content, contributors, nil
}

// Attribute builds the contributor list for a synthesized reply: one entry
// per dispatched agent in first-appearance order. An agent with several task
// outputs reports its highest confidence, and counts as used when any of its
// non-failed outputs overlaps the final text.
func Attribute(outputs []AgentResponse, final string) []Contributor {
	finalGrams := ngrams(final)

	index := make(map[string]int)
	var contributors []Contributor
	for _, out := range outputs {
		i, seen := index[out.Agent]
		if !seen {
			index[out.Agent] = len(contributors)
			contributors = append(contributors, Contributor{Agent: out.Agent, Confidence: out.Confidence})
			i = len(contributors) - 1
		}
		if out.Confidence > contributors[i].Confidence {
			contributors[i].Confidence = out.Confidence
		}
		if !out.Failed && jaccard(ngrams(out.Content), finalGrams) >= usedThreshold {
			contributors[i].Used = true
		}
	}
	return contributors
}

// outputsBlock renders agent outputs for the synthesize template.
func outputsBlock(outputs []AgentResponse) string {
	var sb strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&sb, "[%s] (confidence %.2f)\n%s\n\n", out.Agent, out.Confidence, out.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ngrams returns the set of word n-grams of the text, normalized for case
// and unicode form. Texts shorter than the window contribute their whole
// token sequence as a single gram.
func ngrams(text string) map[string]bool {
	words := strings.Fields(normalizeText(text))
	grams := make(map[string]bool)
	if len(words) == 0 {
		return grams
	}
	if len(words) < ngramSize {
		grams[strings.Join(words, " ")] = true
		return grams
	}
	for i := 0; i+ngramSize <= len(words); i++ {
		grams[strings.Join(words[i:i+ngramSize], " ")] = true
	}
	return grams
}

// jaccard computes set overlap: |a ∩ b| / |a ∪ b|.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for gram := range small {
		if large[gram] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
