package conclave

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultAgentTimeout   = 30 * time.Second
	defaultHistoryLimit   = 20
	defaultRecallBudget   = 5
)

// Orchestrator is the public entry point. Answer and AnswerStream walk one
// request through the lifecycle: resolve the session, persist the user turn,
// gather history and memory, route, optionally plan, dispatch, synthesize,
// and persist the attributed assistant turn(s).
//
// Runs targeting the same session are serialized in arrival order; their
// messages appear contiguously in the log. Cancellation anywhere before
// persistence leaves the user message in place and appends nothing else.
type Orchestrator struct {
	gateway  *Gateway
	prompts  *PromptStore
	memory   *Memory
	sessions SessionStore
	registry *Registry

	classifier *Classifier
	decomposer *Decomposer
	executor   *Executor
	aggregator *Aggregator
	guard      *QueryGuard

	gates *sessionGates

	mu        sync.Mutex
	oneShots  map[string]Override
	counters  map[string]*agentCounter
	requests  int64
	failures  int64
	cancelled int64

	requestTimeout time.Duration
	agentTimeout   time.Duration
	historyLimit   int
	recallBudget   int
	failureMarker  bool
	writeBack      bool
	defaultOwner   string

	logger  *slog.Logger
	tracer  Tracer
	metrics RunMetrics
}

type agentCounter struct {
	dispatched int64
	failed     int64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) OrchestratorOption {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithDecomposer replaces the default decomposer.
func WithDecomposer(d *Decomposer) OrchestratorOption {
	return func(o *Orchestrator) { o.decomposer = d }
}

// WithExecutor replaces the default executor.
func WithExecutor(e *Executor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = e }
}

// WithAggregator replaces the default aggregator.
func WithAggregator(a *Aggregator) OrchestratorOption {
	return func(o *Orchestrator) { o.aggregator = a }
}

// WithQueryGuard installs a guard that inspects queries before routing.
func WithQueryGuard(g *QueryGuard) OrchestratorOption {
	return func(o *Orchestrator) { o.guard = g }
}

// WithRequestTimeout bounds a whole request. Default 60s.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithAgentTimeout bounds the direct single-agent call. The executor carries
// its own task timeout for multi-agent runs. Default 30s.
func WithAgentTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.agentTimeout = d
		}
	}
}

// WithHistoryLimit caps how many stored messages are pulled into a run.
// Default 20.
func WithHistoryLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithRecallBudget caps memory hits gathered per run. Default 5.
func WithRecallBudget(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.recallBudget = n
		}
	}
}

// WithFailureMarker appends an assistant note to the session when a request
// fails terminally. Default off.
func WithFailureMarker(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.failureMarker = enabled }
}

// WithMemoryWriteBack stores a condensed record of each successful exchange
// into vector memory. Default on.
func WithMemoryWriteBack(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.writeBack = enabled }
}

// WithDefaultOwner sets the owner recorded on sessions created for requests
// that carry none. Default "default".
func WithDefaultOwner(owner string) OrchestratorOption {
	return func(o *Orchestrator) {
		if owner != "" {
			o.defaultOwner = owner
		}
	}
}

// WithOrchestratorLogger sets the logger. Defaults to a no-op logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorTracer sets the tracer for per-request spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorMetrics sets the metrics sink for request counters.
func WithOrchestratorMetrics(m RunMetrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator composes the engine. Classifier, decomposer, executor, and
// aggregator default to standard instances over the given components; pass
// the corresponding options to substitute configured ones.
func NewOrchestrator(gateway *Gateway, prompts *PromptStore, memory *Memory, sessions SessionStore, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gateway:        gateway,
		prompts:        prompts,
		memory:         memory,
		sessions:       sessions,
		registry:       registry,
		gates:          newSessionGates(),
		oneShots:       make(map[string]Override),
		counters:       make(map[string]*agentCounter),
		requestTimeout: defaultRequestTimeout,
		agentTimeout:   defaultAgentTimeout,
		historyLimit:   defaultHistoryLimit,
		recallBudget:   defaultRecallBudget,
		writeBack:      true,
		defaultOwner:   "default",
		logger:         nopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = NewClassifier(gateway, prompts, registry, WithClassifierLogger(o.logger))
	}
	if o.decomposer == nil {
		o.decomposer = NewDecomposer(gateway, prompts, registry, WithDecomposerLogger(o.logger))
	}
	if o.executor == nil {
		o.executor = NewExecutor(registry, WithExecutorLogger(o.logger), WithExecutorMetrics(o.metrics))
	}
	if o.aggregator == nil {
		o.aggregator = NewAggregator(gateway, prompts, WithAggregatorLogger(o.logger))
	}
	return o
}

// Answer runs one request to completion and returns the attributed reply.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (Response, error) {
	return o.run(ctx, req, nil)
}

// AnswerStream runs one request while emitting StreamEvents into out: chunk
// deltas once the final model call streams, progress markers and
// agent-complete events before that, an error event on terminal failure, and
// always a final done event. AnswerStream closes out when it returns.
//
// The caller must drain out until it is closed, even after receiving an
// error event, or the run can block on a send.
func (o *Orchestrator) AnswerStream(ctx context.Context, req Request, out chan<- StreamEvent) error {
	defer close(out)
	resp, err := o.run(ctx, req, out)
	if err != nil {
		cancelled := KindOf(err) == KindCancelled
		if !cancelled {
			out <- StreamEvent{Type: EventError, Code: string(errorCode(err)), Message: publicMessage(err)}
		}
		out <- doneEvent(cancelled)
		return err
	}
	done := doneEvent(false)
	done.Response = &resp
	out <- done
	return nil
}

// run is the shared request lifecycle. A nil out means unary mode.
func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- StreamEvent) (Response, error) {
	started := time.Now()
	state := StateReceived

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, Fail(KindBadRequest, "query cannot be empty")
	}
	if o.guard != nil {
		if err := o.guard.Check(query); err != nil {
			return Response{}, err
		}
	}

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.answer")
		defer span.End()
	}

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	o.mu.Lock()
	o.requests++
	o.mu.Unlock()

	owner := req.Owner
	if owner == "" {
		owner = o.defaultOwner
	}

	sess, err := o.resolveSession(ctx, req.SessionID, owner, query)
	if err != nil {
		return Response{}, o.fail(ctx, "", state, err, started)
	}

	// Whole runs are serialized per session, in arrival order.
	if err := o.gates.acquire(ctx, sess.ID); err != nil {
		return Response{}, o.fail(ctx, sess.ID, state,
			WrapErr(KindCancelled, "request cancelled while queued", err), started)
	}
	defer o.gates.release(sess.ID)

	// History is read before the user turn is appended: prompt composition
	// places the current query last, not inside the history block.
	history, err := o.sessions.Messages(ctx, sess.ID, o.historyLimit)
	if err != nil {
		return Response{}, o.fail(ctx, sess.ID, state,
			WrapErr(KindStorage, "load history", err), started)
	}
	userMsg := Message{
		ID:        NewID(),
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   query,
		CreatedAt: NowUnix(),
	}
	if err := o.sessions.AppendMessage(ctx, userMsg); err != nil {
		return Response{}, o.fail(ctx, sess.ID, state,
			WrapErr(KindStorage, "append user message", err), started)
	}

	run := &RunContext{
		Query:      query,
		SessionID:  sess.ID,
		History:    history,
		MemoryHits: o.memory.Recall(ctx, query, o.recallBudget),
	}

	routing, err := o.route(ctx, req, run)
	if err != nil {
		return Response{}, o.fail(ctx, sess.ID, state, err, started)
	}
	run.Routing = routing
	state = StateClassified
	o.emitProgress(out, StageClassified, "")
	o.logger.Info("query classified", "session", sess.ID,
		"agents", routing.Agents, "strategy", routing.Strategy)

	if routing.Strategy == StrategyCollaborative {
		graph, derr := o.decomposer.Decompose(ctx, run)
		switch {
		case derr == nil:
			run.Graph = graph
			state = StateDecomposed
		case KindOf(derr) == KindCancelled:
			return Response{}, o.fail(ctx, sess.ID, state, derr, started)
		default:
			// An unusable plan falls back to single-agent routing.
			o.logger.Warn("decomposition fell back to single agent",
				"session", sess.ID, "error", derr)
			run.Routing.Strategy = StrategySingle
			run.Routing.Agents = run.Routing.Agents[:1]
		}
	}

	state = StateDispatched
	o.emitProgress(out, StageDispatched, "")
	outputs, err := o.dispatch(ctx, run, out)
	if err != nil {
		return Response{}, o.fail(ctx, sess.ID, state, err, started)
	}
	o.countOutputs(outputs)

	allFailed := true
	for _, r := range outputs {
		if !r.Failed {
			allFailed = false
			break
		}
	}
	if allFailed {
		return Response{}, o.fail(ctx, sess.ID, state,
			Fail(KindModelUnavailable, "no agent produced an answer"), started)
	}

	// A lone output becomes the reply directly; synthesis needs two or more.
	var (
		content      string
		contributors []Contributor
	)
	aggregated := len(outputs) > 1
	if aggregated {
		state = StateAggregating
		content, contributors, err = o.aggregator.Synthesize(ctx, run, outputs, out)
		if err != nil {
			return Response{}, o.fail(ctx, sess.ID, state, err, started)
		}
	} else {
		content = outputs[0].Content
		contributors = Attribute(outputs, content)
	}

	// Cancellation before persistence appends no assistant message.
	if ctx.Err() != nil {
		return Response{}, o.fail(ctx, sess.ID, state,
			WrapErr(KindCancelled, "request cancelled", ctx.Err()), started)
	}

	// Commit point: persistence and write-back proceed even if the caller
	// disconnects now, so the log never holds half a run.
	state = StatePersisted
	pctx := context.WithoutCancel(ctx)
	if err := o.persistRun(pctx, sess.ID, outputs, content, contributors, aggregated); err != nil {
		return Response{}, o.fail(ctx, sess.ID, state, err, started)
	}
	if o.writeBack {
		o.rememberExchange(pctx, sess.ID, query, content)
	}

	state = StateDone
	elapsed := time.Since(started)
	if o.metrics != nil {
		o.metrics.RecordRequest(string(run.Routing.Strategy), elapsed.Milliseconds(), false)
	}
	o.logger.Info("request completed", "session", sess.ID, "state", state,
		"strategy", run.Routing.Strategy, "agents", len(contributors),
		"duration_ms", elapsed.Milliseconds())

	return Response{
		Content:      content,
		SessionID:    sess.ID,
		Contributors: contributors,
		DurationMS:   elapsed.Milliseconds(),
	}, nil
}

// resolveSession loads the named session or creates it on demand; an empty
// id always creates a fresh session titled from the query.
func (o *Orchestrator) resolveSession(ctx context.Context, id, owner, query string) (Session, error) {
	if id == "" {
		sess := NewSession(owner, DeriveTitle(query))
		if err := o.sessions.CreateSession(ctx, sess); err != nil {
			return Session{}, WrapErr(KindStorage, "create session", err)
		}
		return sess, nil
	}
	sess, err := o.sessions.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		now := NowUnix()
		sess = Session{ID: id, Owner: owner, Title: DeriveTitle(query), CreatedAt: now, UpdatedAt: now}
		if cerr := o.sessions.CreateSession(ctx, sess); cerr != nil {
			return Session{}, WrapErr(KindStorage, "create session", cerr)
		}
		return sess, nil
	}
	if err != nil {
		return Session{}, WrapErr(KindStorage, "load session", err)
	}
	return sess, nil
}

// route resolves the routing decision: an inline override wins, then a
// stashed one-shot override matching the query, then the classifier.
func (o *Orchestrator) route(ctx context.Context, req Request, run *RunContext) (RoutingDecision, error) {
	if req.Overrides != nil {
		return o.classifier.Resolve(*req.Overrides)
	}
	if ov, ok := o.takeOneShot(run.Query); ok {
		o.logger.Info("stashed override applied", "agents", ov.Agents)
		return o.classifier.Resolve(ov)
	}
	return o.classifier.Classify(ctx, run)
}

// dispatch invokes the routed agents. Single runs call the agent directly,
// bypassing the executor; in streaming mode that agent's deltas flow into
// out as they arrive.
func (o *Orchestrator) dispatch(ctx context.Context, run *RunContext, out chan<- StreamEvent) ([]AgentResponse, error) {
	switch run.Routing.Strategy {
	case StrategySingle:
		return o.dispatchSingle(ctx, run, out)
	case StrategyParallel:
		return o.executor.RunParallel(ctx, run, out)
	case StrategyCollaborative:
		return o.executor.RunGraph(ctx, run, out)
	default:
		return nil, Fail(KindConsistency, "unknown strategy %q", run.Routing.Strategy)
	}
}

func (o *Orchestrator) dispatchSingle(ctx context.Context, run *RunContext, out chan<- StreamEvent) ([]AgentResponse, error) {
	name := run.Routing.Agents[0]
	agent, ok := o.registry.Get(name)
	if !ok {
		return nil, Fail(KindBadRequest, "unknown agent %q", name)
	}

	tctx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()

	var (
		resp AgentResponse
		err  error
	)
	if out != nil {
		resp, err = agent.ProcessStream(tctx, run, out)
	} else {
		resp, err = agent.Process(tctx, run)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapErr(KindCancelled, "dispatch aborted", ctx.Err())
		}
		switch KindOf(err) {
		case KindBadRequest, KindConsistency:
			return nil, err
		default:
			return nil, WrapErr(KindModelUnavailable, "agent "+name+" failed", err)
		}
	}
	if out != nil {
		out <- StreamEvent{
			Type:       EventAgentComplete,
			Agent:      name,
			Confidence: resp.Confidence,
		}
	}
	return []AgentResponse{resp}, nil
}

// persistRun appends the assistant turn(s): for aggregated runs one message
// per successful agent output followed by the aggregator message carrying
// the contributor list, for single runs just the agent's message.
func (o *Orchestrator) persistRun(ctx context.Context, sessionID string, outputs []AgentResponse, content string, contributors []Contributor, aggregated bool) error {
	if !aggregated {
		r := outputs[0]
		msg := Message{
			ID:         NewID(),
			SessionID:  sessionID,
			Role:       RoleAssistant,
			Content:    content,
			Agent:      r.Agent,
			Confidence: r.Confidence,
			CreatedAt:  NowUnix(),
		}
		if err := o.sessions.AppendMessage(ctx, msg); err != nil {
			return WrapErr(KindStorage, "append assistant message", err)
		}
		return nil
	}

	for _, r := range outputs {
		if r.Failed {
			continue
		}
		msg := Message{
			ID:         NewID(),
			SessionID:  sessionID,
			Role:       RoleAssistant,
			Content:    r.Content,
			Agent:      r.Agent,
			Confidence: r.Confidence,
			CreatedAt:  NowUnix(),
		}
		if err := o.sessions.AppendMessage(ctx, msg); err != nil {
			return WrapErr(KindStorage, "append agent message", err)
		}
	}
	final := Message{
		ID:           NewID(),
		SessionID:    sessionID,
		Role:         RoleAssistant,
		Content:      content,
		Agent:        AggregatorName,
		Contributors: contributors,
		CreatedAt:    NowUnix(),
	}
	if err := o.sessions.AppendMessage(ctx, final); err != nil {
		return WrapErr(KindStorage, "append aggregator message", err)
	}
	return nil
}

// rememberExchange writes a condensed record of the exchange into vector
// memory. Best effort: failures are logged, never surfaced.
func (o *Orchestrator) rememberExchange(ctx context.Context, sessionID, query, content string) {
	text := "Q: " + truncateStr(query, 300) + "\nA: " + truncateStr(content, 700)
	if _, err := o.memory.Remember(ctx, text, []string{"conversation"}, 0.3); err != nil {
		o.logger.Warn("exchange not written to memory", "session", sessionID, "error", err)
	}
}

// fail records a terminal failure, appends the optional failure marker, and
// returns err unchanged.
func (o *Orchestrator) fail(ctx context.Context, sessionID string, state RunState, err error, started time.Time) error {
	kind := KindOf(err)
	cancelled := kind == KindCancelled

	o.mu.Lock()
	if cancelled {
		o.cancelled++
	} else {
		o.failures++
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordRequest("", time.Since(started).Milliseconds(), true)
	}

	if cancelled {
		o.logger.Info("request cancelled", "session", sessionID, "state", state)
		return err
	}
	o.logger.Error("request failed", "session", sessionID, "state", state,
		"kind", kind, "error", err)

	if o.failureMarker && sessionID != "" {
		marker := Message{
			ID:        NewID(),
			SessionID: sessionID,
			Role:      RoleAssistant,
			Content:   "The request could not be completed: " + publicMessage(err),
			Agent:     "orchestrator",
			CreatedAt: NowUnix(),
		}
		if aerr := o.sessions.AppendMessage(context.WithoutCancel(ctx), marker); aerr != nil {
			o.logger.Warn("failure marker not persisted", "session", sessionID, "error", aerr)
		}
	}
	return err
}

// countOutputs updates per-agent dispatch counters.
func (o *Orchestrator) countOutputs(outputs []AgentResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range outputs {
		c := o.counters[r.Agent]
		if c == nil {
			c = &agentCounter{}
			o.counters[r.Agent] = c
		}
		c.dispatched++
		if r.Failed {
			c.failed++
		}
	}
}

func (o *Orchestrator) emitProgress(out chan<- StreamEvent, stage, agent string) {
	if out == nil {
		return
	}
	out <- StreamEvent{Type: EventProgress, Stage: stage, Agent: agent}
}

// StashOverride stores a one-shot routing override consumed by the next
// request whose query matches (case-insensitive). The override is validated
// against the registry immediately.
func (o *Orchestrator) StashOverride(query string, ov Override) error {
	if strings.TrimSpace(query) == "" {
		return Fail(KindBadRequest, "override query cannot be empty")
	}
	if _, err := o.classifier.Resolve(ov); err != nil {
		return err
	}
	o.mu.Lock()
	o.oneShots[normalizeText(strings.TrimSpace(query))] = ov
	o.mu.Unlock()
	return nil
}

// takeOneShot consumes a stashed override matching the query, if any.
func (o *Orchestrator) takeOneShot(query string) (Override, bool) {
	key := normalizeText(strings.TrimSpace(query))
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.oneShots[key]
	if ok {
		delete(o.oneShots, key)
	}
	return ov, ok
}

// ConfigureAgent applies a control-surface agent update: a replacement
// system prompt, a new keyword list (comma-separated), or model params as a
// JSON object. With persist, the update is stored and reapplied at boot.
func (o *Orchestrator) ConfigureAgent(ctx context.Context, name, configType, data string, persist bool) error {
	agent, ok := o.registry.Get(name)
	if !ok {
		return Fail(KindBadRequest, "unknown agent %q", name)
	}

	switch configType {
	case "prompt":
		if strings.TrimSpace(data) == "" {
			return Fail(KindBadRequest, "prompt config cannot be empty")
		}
		o.prompts.SetTemplate(AgentTemplateID(name), data)
	case "keywords":
		o.classifier.SetKeywords(name, splitList(data))
	case "params":
		sp, ok := agent.(*Specialist)
		if !ok {
			return Fail(KindBadRequest, "agent %q does not accept params", name)
		}
		p, err := parseAgentParams(data)
		if err != nil {
			return err
		}
		sp.SetParams(p)
	default:
		return Fail(KindBadRequest, "unknown config type %q", configType)
	}

	if persist {
		key := agentConfigKey(name, configType)
		if err := o.sessions.SetConfig(ctx, key, data); err != nil {
			return WrapErr(KindStorage, "persist agent config", err)
		}
	}
	o.logger.Info("agent configured", "agent", name, "type", configType, "persist", persist)
	return nil
}

// RestoreAgentConfig reapplies persisted agent configuration. Called once at
// boot; individual bad entries are skipped with a warning.
func (o *Orchestrator) RestoreAgentConfig(ctx context.Context) error {
	entries, err := o.sessions.ListConfig(ctx, "agent_config.")
	if err != nil {
		return WrapErr(KindStorage, "list agent config", err)
	}
	for key, data := range entries {
		rest := strings.TrimPrefix(key, "agent_config.")
		i := strings.LastIndex(rest, ".")
		if i <= 0 {
			continue
		}
		name, configType := rest[:i], rest[i+1:]
		if err := o.ConfigureAgent(ctx, name, configType, data, false); err != nil {
			o.logger.Warn("persisted agent config skipped", "key", key, "error", err)
		}
	}
	return nil
}

// ConfigureRouting applies a control-surface routing update.
func (o *Orchestrator) ConfigureRouting(mode RoutingMode, multiAgent, collaboration bool) error {
	if err := o.classifier.SetMode(mode); err != nil {
		return err
	}
	o.classifier.SetGates(multiAgent, collaboration)
	o.logger.Info("routing configured", "mode", mode,
		"multi_agent", multiAgent, "collaboration", collaboration)
	return nil
}

// AgentStatus is one agent's entry in a status report.
type AgentStatus struct {
	Name       string `json:"name"`
	Ready      bool   `json:"ready"`
	Dispatched int64  `json:"dispatched"`
	Failed     int64  `json:"failed"`
}

// StatusReport is the control-surface snapshot of routing config, counters,
// and memory sizes.
type StatusReport struct {
	RoutingMode    RoutingMode   `json:"routing_mode"`
	MultiAgent     bool          `json:"multi_agent"`
	Collaboration  bool          `json:"collaboration"`
	Requests       int64         `json:"requests"`
	Failures       int64         `json:"failures"`
	Cancelled      int64         `json:"cancelled"`
	LLMRoutes      int64         `json:"llm_routes"`
	FallbackRoutes int64         `json:"fallback_routes"`
	Agents         []AgentStatus `json:"agents"`
	Memory         MemoryStats   `json:"memory"`
}

// Status assembles the report. Memory sizes are best effort; a failing store
// reports zeros.
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	mode, multi, collab := o.classifier.Config()
	llm, fallback := o.classifier.Stats()

	report := StatusReport{
		RoutingMode:    mode,
		MultiAgent:     multi,
		Collaboration:  collab,
		LLMRoutes:      llm,
		FallbackRoutes: fallback,
	}

	o.mu.Lock()
	report.Requests = o.requests
	report.Failures = o.failures
	report.Cancelled = o.cancelled
	counters := make(map[string]agentCounter, len(o.counters))
	for name, c := range o.counters {
		counters[name] = *c
	}
	o.mu.Unlock()

	for _, desc := range o.registry.Describe() {
		c := counters[desc.Name]
		report.Agents = append(report.Agents, AgentStatus{
			Name:       desc.Name,
			Ready:      desc.Active,
			Dispatched: c.dispatched,
			Failed:     c.failed,
		})
	}

	stats, err := o.memory.Stats(ctx)
	if err != nil {
		o.logger.Warn("memory stats unavailable", "error", err)
	}
	report.Memory = stats
	return report
}

// errorCode maps an error to its stable user-visible code.
func errorCode(err error) ErrorKind {
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return "internal"
}

// publicMessage extracts the human-readable message without internal detail.
func publicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(data string) []string {
	parts := strings.Split(data, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAgentParams decodes the control-surface params payload.
func parseAgentParams(data string) (Params, error) {
	var wire struct {
		ModelID     string  `json:"model_id"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
	}
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return Params{}, Fail(KindBadRequest, "invalid params payload: %v", err)
	}
	return Params{
		ModelID:     wire.ModelID,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
	}, nil
}

func agentConfigKey(name, configType string) string {
	return "agent_config." + name + "." + configType
}
