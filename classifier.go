package conclave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"golang.org/x/text/unicode/norm"
)

// RoutingMode selects how routing decisions are made when no override is
// present.
type RoutingMode string

const (
	// RouteClassifier asks the model, falling back to keywords when the
	// model's answer is unusable.
	RouteClassifier RoutingMode = "classifier"
	// RouteKeyword skips the model and scores keyword overlap directly.
	RouteKeyword RoutingMode = "keyword"
	// RouteManual sends everything to the default agent; only explicit
	// overrides route elsewhere.
	RouteManual RoutingMode = "manual"
)

const (
	defaultClassifierTimeout = 10 * time.Second
	classifierMaxTokens      = 256
)

// Classifier decides which agents answer a query and under which strategy.
// The primary path renders classifier.selection and asks the model for a
// structured decision; unusable answers degrade to a keyword heuristic so a
// flaky model never blocks requests.
type Classifier struct {
	gateway  *Gateway
	prompts  *PromptStore
	registry *Registry

	mu            sync.RWMutex
	mode          RoutingMode
	multiAgent    bool
	collaboration bool
	defaultAgent  string
	keywords      map[string][]string

	llmRoutes      int64
	fallbackRoutes int64

	timeout time.Duration
	logger  *slog.Logger
	tracer  Tracer
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithRoutingMode sets the initial routing mode. Default RouteClassifier.
func WithRoutingMode(mode RoutingMode) ClassifierOption {
	return func(c *Classifier) { c.mode = mode }
}

// WithDefaultAgent names the agent used when nothing else matches.
func WithDefaultAgent(name string) ClassifierOption {
	return func(c *Classifier) {
		if name != "" {
			c.defaultAgent = name
		}
	}
}

// WithMultiAgent controls whether decisions may select more than one agent.
// Default true.
func WithMultiAgent(enabled bool) ClassifierOption {
	return func(c *Classifier) { c.multiAgent = enabled }
}

// WithCollaboration controls whether the collaborative strategy is allowed.
// Default true.
func WithCollaboration(enabled bool) ClassifierOption {
	return func(c *Classifier) { c.collaboration = enabled }
}

// WithClassifierTimeout bounds the model call. Default 10s.
func WithClassifierTimeout(d time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClassifierLogger sets the logger. Defaults to a no-op logger.
func WithClassifierLogger(l *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClassifierTracer sets the tracer for per-decision spans.
func WithClassifierTracer(t Tracer) ClassifierOption {
	return func(c *Classifier) { c.tracer = t }
}

// NewClassifier creates a Classifier over the given registry. Keyword lists
// are seeded from each agent's capabilities and may be replaced through
// SetKeywords.
func NewClassifier(gateway *Gateway, prompts *PromptStore, registry *Registry, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		gateway:       gateway,
		prompts:       prompts,
		registry:      registry,
		mode:          RouteClassifier,
		multiAgent:    true,
		collaboration: true,
		defaultAgent:  "engineering",
		keywords:      make(map[string][]string),
		timeout:       defaultClassifierTimeout,
		logger:        nopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, desc := range registry.Describe() {
		if _, ok := c.keywords[desc.Name]; !ok {
			c.keywords[desc.Name] = desc.Capabilities
		}
	}
	return c
}

// routingWire is the JSON shape the model is asked to produce.
type routingWire struct {
	Agents    []string `json:"agents" jsonschema:"required,description=Names of the selected agents in priority order"`
	Strategy  string   `json:"strategy" jsonschema:"required,enum=single,enum=parallel,enum=collaborative"`
	Rationale string   `json:"rationale" jsonschema:"description=One sentence explaining the selection"`
}

// Classify resolves a RoutingDecision for the run. It never fails on model
// trouble: unparseable or invalid answers fall back to keyword scoring with
// a warning. Only context cancellation is returned as an error.
func (c *Classifier) Classify(ctx context.Context, run *RunContext) (RoutingDecision, error) {
	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "classifier.classify")
		defer span.End()
	}

	c.mu.RLock()
	mode := c.mode
	c.mu.RUnlock()

	switch mode {
	case RouteManual:
		return c.manualDecision(), nil
	case RouteKeyword:
		return c.fallbackDecision(run.Query, "keyword routing mode"), nil
	}

	decision, err := c.classifyLLM(ctx, run)
	if err != nil {
		if KindOf(err) == KindCancelled {
			return RoutingDecision{}, err
		}
		c.logger.Warn("classifier degraded to keyword fallback", "error", err)
		return c.fallbackDecision(run.Query, "classifier unavailable"), nil
	}

	c.mu.Lock()
	c.llmRoutes++
	c.mu.Unlock()
	return decision, nil
}

// classifyLLM renders the selection template, calls the model, and validates
// the structured answer against the registry and the routing config.
func (c *Classifier) classifyLLM(ctx context.Context, run *RunContext) (RoutingDecision, error) {
	prompt, err := c.prompts.Render("classifier.selection", map[string]string{
		"agents": describeAgents(c.registry),
		"recent": historyBlock(run.History, 4),
		"query":  run.Query,
		"schema": schemaJSON(new(routingWire)),
	})
	if err != nil {
		return RoutingDecision{}, err
	}

	content, err := c.gateway.Complete(ctx, []ChatMessage{UserMessage(prompt)}, Params{
		MaxTokens:   classifierMaxTokens,
		Temperature: 0.1,
		Timeout:     c.timeout,
	})
	if err != nil {
		return RoutingDecision{}, err
	}

	var wire routingWire
	if err := json.Unmarshal([]byte(extractJSON(content)), &wire); err != nil {
		return RoutingDecision{}, Fail(KindDegraded, "unparseable routing answer: %v", err)
	}
	return c.validate(wire)
}

// validate filters unknown or inactive agents and applies the multi-agent
// and collaboration gates.
func (c *Classifier) validate(wire routingWire) (RoutingDecision, error) {
	active := make(map[string]bool)
	for _, name := range c.registry.Active() {
		active[name] = true
	}

	var agents []string
	seen := make(map[string]bool)
	for _, name := range wire.Agents {
		name = strings.TrimSpace(name)
		if !active[name] || seen[name] {
			continue
		}
		seen[name] = true
		agents = append(agents, name)
	}
	if len(agents) == 0 {
		return RoutingDecision{}, Fail(KindDegraded, "no usable agents in routing answer")
	}

	strategy := Strategy(wire.Strategy)
	switch strategy {
	case StrategySingle, StrategyParallel, StrategyCollaborative:
	default:
		return RoutingDecision{}, Fail(KindDegraded, "unknown strategy %q", wire.Strategy)
	}

	c.mu.RLock()
	multiAgent := c.multiAgent
	collaboration := c.collaboration
	c.mu.RUnlock()

	if !multiAgent && len(agents) > 1 {
		agents = agents[:1]
		strategy = StrategySingle
	}
	if !collaboration && strategy == StrategyCollaborative {
		strategy = StrategyParallel
	}
	if len(agents) == 1 && strategy != StrategySingle {
		strategy = StrategySingle
	}

	return RoutingDecision{Agents: agents, Strategy: strategy, Rationale: wire.Rationale}, nil
}

// Resolve fabricates a RoutingDecision from an explicit override, bypassing
// classification entirely. Unknown agents are a BadRequest.
func (c *Classifier) Resolve(ov Override) (RoutingDecision, error) {
	agents := ov.Agents
	if ov.ForceAll {
		agents = c.registry.Active()
	}
	if len(agents) == 0 {
		return RoutingDecision{}, Fail(KindBadRequest, "override selects no agents")
	}
	for _, name := range agents {
		if _, ok := c.registry.Get(name); !ok {
			return RoutingDecision{}, Fail(KindBadRequest, "unknown agent %q in override", name)
		}
	}
	strategy := StrategyParallel
	if ov.ForceSingle || len(agents) == 1 {
		agents = agents[:1]
		strategy = StrategySingle
	}
	return RoutingDecision{Agents: agents, Strategy: strategy, Rationale: "operator override"}, nil
}

// fallbackDecision scores keyword overlap between the query and each agent's
// keyword list and routes single to the best match. Zero overlap routes to
// the default agent.
func (c *Classifier) fallbackDecision(query, reason string) RoutingDecision {
	c.mu.Lock()
	c.fallbackRoutes++
	keywords := make(map[string][]string, len(c.keywords))
	for name, kws := range c.keywords {
		keywords[name] = kws
	}
	c.mu.Unlock()

	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(normalizeText(query)) {
		tokens[tok] = true
	}

	best, bestScore := "", 0
	for _, name := range c.registry.Active() {
		score := 0
		for _, kw := range keywords[name] {
			for _, part := range strings.Fields(normalizeText(kw)) {
				if tokens[part] {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if best == "" {
		best = c.pickDefault()
	}
	return RoutingDecision{
		Agents:    []string{best},
		Strategy:  StrategySingle,
		Rationale: fmt.Sprintf("%s; keyword match %q", reason, best),
	}
}

func (c *Classifier) manualDecision() RoutingDecision {
	return RoutingDecision{
		Agents:    []string{c.pickDefault()},
		Strategy:  StrategySingle,
		Rationale: "manual routing mode",
	}
}

// pickDefault returns the configured default agent when it is registered and
// active, otherwise the first active agent.
func (c *Classifier) pickDefault() string {
	c.mu.RLock()
	def := c.defaultAgent
	c.mu.RUnlock()
	active := c.registry.Active()
	for _, name := range active {
		if name == def {
			return name
		}
	}
	if len(active) > 0 {
		return active[0]
	}
	return def
}

// SetKeywords replaces one agent's keyword list (control surface).
func (c *Classifier) SetKeywords(agent string, keywords []string) {
	c.mu.Lock()
	c.keywords[agent] = keywords
	c.mu.Unlock()
}

// SetMode switches the routing mode at runtime (control surface).
func (c *Classifier) SetMode(mode RoutingMode) error {
	switch mode {
	case RouteClassifier, RouteKeyword, RouteManual:
	default:
		return Fail(KindBadRequest, "unknown routing mode %q", mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

// SetGates toggles multi-agent and collaborative routing (control surface).
func (c *Classifier) SetGates(multiAgent, collaboration bool) {
	c.mu.Lock()
	c.multiAgent = multiAgent
	c.collaboration = collaboration
	c.mu.Unlock()
}

// Config reports the current routing configuration for the status endpoint.
func (c *Classifier) Config() (mode RoutingMode, multiAgent, collaboration bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode, c.multiAgent, c.collaboration
}

// Stats reports how many decisions came from the model versus the fallback.
func (c *Classifier) Stats() (llmRoutes, fallbackRoutes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.llmRoutes, c.fallbackRoutes
}

// describeAgents renders one "name: capabilities" line per active agent for
// the selection and plan templates.
func describeAgents(r *Registry) string {
	var sb strings.Builder
	for _, desc := range r.Describe() {
		if !desc.Active {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", desc.Name, strings.Join(desc.Capabilities, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// historyBlock renders the last n messages as "role: content" lines.
func historyBlock(history []Message, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	if len(history) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, truncateStr(m.Content, 200))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// normalizeText lowercases and applies NFKC so keyword matching is stable
// across unicode presentation forms.
func normalizeText(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// schemaJSON reflects a Go struct into a JSON Schema blob for inclusion in
// prompts. Tags on the struct drive required fields and enums.
func schemaJSON(v any) string {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	b, err := json.MarshalIndent(r.Reflect(v), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// extractJSON finds the first JSON object in a model answer, stripping
// markdown code fences when present.
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
