package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const defaultTaskTimeout = 30 * time.Second

// failedConfidence is attached to synthetic notes standing in for agents
// that errored or timed out.
const failedConfidence = 0.1

// Executor dispatches agent work for a run. Collaborative graphs run in
// topological layers with results materialized between layers; parallel
// strategies fan out all agents at once. Concurrent model calls are capped by
// a weighted semaphore whose waiters are served in FIFO order.
//
// Individual agent failures are contained: the failing task yields a
// synthetic low-confidence note and the run proceeds. Only cancellation of
// the enclosing request aborts the whole dispatch.
type Executor struct {
	registry *Registry
	sem      *semaphore.Weighted

	taskTimeout time.Duration
	logger      *slog.Logger
	tracer      Tracer
	metrics     RunMetrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency caps simultaneous model calls. Default: the number of
// registered agents at construction time.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTaskTimeout bounds each agent invocation. The enclosing request
// deadline still applies when shorter. Default 30s.
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithExecutorLogger sets the logger. Defaults to a no-op logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorTracer sets the tracer for per-dispatch spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorMetrics sets the metrics sink for per-agent timings.
func WithExecutorMetrics(m RunMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	ceiling := registry.Len()
	if ceiling < 1 {
		ceiling = 1
	}
	e := &Executor{
		registry:    registry,
		sem:         semaphore.NewWeighted(int64(ceiling)),
		taskTimeout: defaultTaskTimeout,
		logger:      nopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunGraph executes a validated task graph layer by layer. Within a layer
// tasks run concurrently; between layers, each finished task's output is
// written to the graph node and to run.Partial, so dependents can read it.
// Returned responses follow node declaration order. A non-nil events channel
// receives one agent-complete event per finished task; the executor never
// closes it.
func (e *Executor) RunGraph(ctx context.Context, run *RunContext, events chan<- StreamEvent) ([]AgentResponse, error) {
	if run.Graph == nil || len(run.Graph.Nodes) == 0 {
		return nil, Fail(KindConsistency, "executor needs a non-empty task graph")
	}
	layers, err := run.Graph.Layers()
	if err != nil {
		return nil, err
	}
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "executor.graph",
			IntAttr("tasks", len(run.Graph.Nodes)),
			IntAttr("layers", len(layers)))
		defer span.End()
	}

	run.Partial = make(map[int]AgentResponse, len(run.Graph.Nodes))
	results := make([]AgentResponse, len(run.Graph.Nodes))

	for _, layer := range layers {
		if ctx.Err() != nil {
			return nil, WrapErr(KindCancelled, "dispatch aborted", ctx.Err())
		}

		var wg sync.WaitGroup
		for _, id := range layer {
			node := run.Graph.Nodes[id]

			deps := make([]AgentResponse, 0, len(node.Deps))
			for _, dep := range node.Deps {
				out, ok := run.Partial[dep]
				if !ok {
					return nil, Fail(KindConsistency, "task %d started before dependency %d finished", id, dep)
				}
				deps = append(deps, out)
			}

			taskRun := *run
			taskRun.TaskInput = node.Input
			taskRun.DepOutputs = deps

			wg.Add(1)
			go func(id int, agentName string, taskRun RunContext) {
				defer wg.Done()
				results[id] = e.runOne(ctx, agentName, &taskRun, events)
			}(id, node.Agent, taskRun)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil, WrapErr(KindCancelled, "dispatch aborted", ctx.Err())
		}
		for _, id := range layer {
			run.Graph.Nodes[id].Output = results[id].Content
			run.Partial[id] = results[id]
		}
	}
	return results, nil
}

// RunParallel fans out every routed agent concurrently on the same input.
// Returned responses follow the routing decision's declared order.
func (e *Executor) RunParallel(ctx context.Context, run *RunContext, events chan<- StreamEvent) ([]AgentResponse, error) {
	agents := run.Routing.Agents
	if len(agents) == 0 {
		return nil, Fail(KindConsistency, "executor needs at least one routed agent")
	}
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "executor.parallel",
			IntAttr("agents", len(agents)))
		defer span.End()
	}

	results := make([]AgentResponse, len(agents))
	var wg sync.WaitGroup
	for i, name := range agents {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			taskRun := *run
			results[i] = e.runOne(ctx, name, &taskRun, events)
		}(i, name)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, WrapErr(KindCancelled, "dispatch aborted", ctx.Err())
	}
	return results, nil
}

// runOne executes a single agent invocation under the concurrency ceiling
// and the per-task timeout. Failures and timeouts come back as synthetic
// low-confidence notes rather than errors.
func (e *Executor) runOne(ctx context.Context, agentName string, taskRun *RunContext, events chan<- StreamEvent) AgentResponse {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return failureNote(agentName, "request cancelled while queued")
	}
	defer e.sem.Release(1)

	agent, ok := e.registry.Get(agentName)
	if !ok {
		return failureNote(agentName, "agent not registered")
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	started := time.Now()
	resp, err := agent.Process(taskCtx, taskRun)
	elapsed := time.Since(started)

	if err != nil {
		reason := "failed to answer"
		if taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			reason = "timed out"
		}
		e.logger.Warn("task degraded to failure note",
			"agent", agentName, "reason", reason, "error", err)
		resp = failureNote(agentName, reason)
	}

	if e.metrics != nil {
		e.metrics.RecordAgent(agentName, elapsed.Milliseconds(), resp.Failed)
	}
	if events != nil {
		select {
		case events <- StreamEvent{
			Type:       EventAgentComplete,
			Agent:      agentName,
			Confidence: resp.Confidence,
			Failed:     resp.Failed,
		}:
		case <-ctx.Done():
		}
	}
	return resp
}

// failureNote builds the synthetic stand-in for a failed or timed-out task.
func failureNote(agentName, reason string) AgentResponse {
	return AgentResponse{
		Agent:      agentName,
		Content:    fmt.Sprintf("(the %s specialist %s)", agentName, reason),
		Confidence: failedConfidence,
		Failed:     true,
	}
}
