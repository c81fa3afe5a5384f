package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Agent is a specialist that answers one task of a run. Process composes a
// prompt from the run context, calls the model, and returns an attributed
// response. ProcessStream does the same while emitting text deltas into ch;
// it does not close ch, the orchestrator owns the channel.
type Agent interface {
	Name() string
	Describe() AgentDescriptor
	Process(ctx context.Context, run *RunContext) (AgentResponse, error)
	ProcessStream(ctx context.Context, run *RunContext, ch chan<- StreamEvent) (AgentResponse, error)
}

const (
	defaultHistoryWindow = 6
	defaultConfidence    = 0.75
)

// Specialist is the LLM-backed Agent. Its prompt is assembled in a fixed
// order: the agent's system template, a memory block from the run's hits, the
// recent conversation window, and finally the task input. Specialists differ
// only in name, capabilities, template, and call parameters.
type Specialist struct {
	name         string
	capabilities []string
	gateway      *Gateway
	prompts      *PromptStore

	mu         sync.RWMutex
	params     Params
	active     bool
	confidence float64

	historyWindow int
	memoryBudget  int
	tracer        Tracer
	logger        *slog.Logger
}

// AgentOption configures a Specialist.
type AgentOption func(*Specialist)

// WithCapabilities sets the capability keywords advertised to the classifier.
func WithCapabilities(caps ...string) AgentOption {
	return func(s *Specialist) { s.capabilities = caps }
}

// WithAgentParams sets the model call parameters for this agent.
func WithAgentParams(p Params) AgentOption {
	return func(s *Specialist) { s.params = p }
}

// WithHistoryWindow sets how many recent messages enter the prompt.
// Default 6.
func WithHistoryWindow(n int) AgentOption {
	return func(s *Specialist) {
		if n >= 0 {
			s.historyWindow = n
		}
	}
}

// WithMemoryBudget caps how many memory hits enter the prompt. Default 5.
func WithMemoryBudget(n int) AgentOption {
	return func(s *Specialist) {
		if n >= 0 {
			s.memoryBudget = n
		}
	}
}

// WithConfidence sets the confidence this agent reports on successful
// responses. Default 0.75.
func WithConfidence(c float64) AgentOption {
	return func(s *Specialist) { s.confidence = clamp01(c) }
}

// WithAgentTracer sets the tracer for per-process spans.
func WithAgentTracer(t Tracer) AgentOption {
	return func(s *Specialist) { s.tracer = t }
}

// WithAgentLogger sets the logger. Defaults to a no-op logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(s *Specialist) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSpecialist creates an LLM-backed agent. Its system prompt is the
// template named by AgentTemplateID(name); processing fails at run time if
// that template is absent from the store.
func NewSpecialist(name string, gateway *Gateway, prompts *PromptStore, opts ...AgentOption) *Specialist {
	s := &Specialist{
		name:          name,
		gateway:       gateway,
		prompts:       prompts,
		active:        true,
		confidence:    defaultConfidence,
		historyWindow: defaultHistoryWindow,
		memoryBudget:  5,
		logger:        nopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Specialist) Name() string { return s.name }

// Describe reports the agent's descriptor. Active additionally requires the
// system template to be present, so health checks catch a missing prompt
// before a request does.
func (s *Specialist) Describe() AgentDescriptor {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	templateID := AgentTemplateID(s.name)
	return AgentDescriptor{
		Name:         s.name,
		Capabilities: s.capabilities,
		TemplateID:   templateID,
		Active:       active && s.prompts.Has(templateID),
	}
}

// SetActive toggles whether the agent accepts work.
func (s *Specialist) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// SetParams replaces the agent's model call parameters at runtime.
func (s *Specialist) SetParams(p Params) {
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
}

// Process answers the run's current input with a unary model call.
func (s *Specialist) Process(ctx context.Context, run *RunContext) (AgentResponse, error) {
	return s.process(ctx, run, nil)
}

// ProcessStream answers like Process while forwarding text deltas into ch.
func (s *Specialist) ProcessStream(ctx context.Context, run *RunContext, ch chan<- StreamEvent) (AgentResponse, error) {
	return s.process(ctx, run, ch)
}

func (s *Specialist) process(ctx context.Context, run *RunContext, ch chan<- StreamEvent) (AgentResponse, error) {
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "agent.process",
			StringAttr("agent.name", s.name))
		defer span.End()
	}

	msgs, err := s.composeMessages(run)
	if err != nil {
		return AgentResponse{Agent: s.name}, err
	}

	s.mu.RLock()
	params := s.params
	conf := s.confidence
	s.mu.RUnlock()

	started := time.Now()
	s.logger.Info("agent started", "agent", s.name, "session", run.SessionID)

	var content string
	if ch != nil {
		content, err = s.gateway.streamDeltas(ctx, msgs, params, ch)
	} else {
		content, err = s.gateway.Complete(ctx, msgs, params)
	}
	if err != nil {
		s.logger.Warn("agent failed", "agent", s.name,
			"duration_ms", time.Since(started).Milliseconds(), "error", err)
		return AgentResponse{Agent: s.name}, err
	}

	s.logger.Info("agent completed", "agent", s.name,
		"duration_ms", time.Since(started).Milliseconds(), "chars", len(content))
	return AgentResponse{Agent: s.name, Content: content, Confidence: conf}, nil
}

// composeMessages builds the gateway payload: system template plus memory
// block as the head entry, the history window as alternating messages, and
// the task input as the final user message. Dependency outputs, when the run
// carries them, preface the task input so downstream tasks see upstream work.
func (s *Specialist) composeMessages(run *RunContext) ([]ChatMessage, error) {
	system, err := s.prompts.Render(AgentTemplateID(s.name), nil)
	if err != nil {
		return nil, err
	}

	if block := memoryBlock(run.MemoryHits, s.memoryBudget); block != "" {
		system += "\n\n" + block
	}

	msgs := []ChatMessage{SystemMessage(system)}

	history := run.History
	if s.historyWindow > 0 && len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}
	for _, m := range history {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}

	var sb strings.Builder
	if len(run.DepOutputs) > 0 {
		sb.WriteString("Work completed so far:\n")
		for _, dep := range run.DepOutputs {
			fmt.Fprintf(&sb, "[%s]\n%s\n\n", dep.Agent, dep.Content)
		}
		sb.WriteString("Your task: ")
	}
	sb.WriteString(run.Input())
	msgs = append(msgs, UserMessage(sb.String()))

	return msgs, nil
}

// memoryBlock formats up to budget hits as a context block, empty when there
// are no hits.
func memoryBlock(hits []MemoryHit, budget int) string {
	if len(hits) == 0 || budget == 0 {
		return ""
	}
	if budget > 0 && len(hits) > budget {
		hits = hits[:budget]
	}
	var sb strings.Builder
	sb.WriteString("Relevant memory:")
	for _, h := range hits {
		sb.WriteString("\n- ")
		sb.WriteString(h.Text)
	}
	return sb.String()
}

var _ Agent = (*Specialist)(nil)

// Registry holds the agents available for routing, in registration order.
// Reads vastly outnumber writes; registration normally happens once at boot.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under its name. Names are unique.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return Fail(KindBadRequest, "agent name cannot be empty")
	}
	if _, exists := r.agents[name]; exists {
		return Fail(KindBadRequest, "agent %q already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns descriptors for all agents in registration order.
func (r *Registry) Describe() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name].Describe())
	}
	return out
}

// Active returns the names of agents currently accepting work, in
// registration order.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.agents[name].Describe().Active {
			out = append(out, name)
		}
	}
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
