package conclave

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"
)

const (
	defaultMaxTasks          = 8
	defaultDecomposerTimeout = 15 * time.Second
)

// Decomposer turns a collaborative query into a task graph: one TaskNode per
// step, each assigned to one agent, with explicit dependency edges. The model
// plans in string ids; the graph stores nodes in declaration order and
// rewrites dependencies to indexes.
type Decomposer struct {
	gateway  *Gateway
	prompts  *PromptStore
	registry *Registry

	maxTasks int
	timeout  time.Duration
	logger   *slog.Logger
	tracer   Tracer
}

// DecomposerOption configures a Decomposer.
type DecomposerOption func(*Decomposer)

// WithMaxTasks caps the number of nodes in a plan. Default 8.
func WithMaxTasks(n int) DecomposerOption {
	return func(d *Decomposer) {
		if n > 0 {
			d.maxTasks = n
		}
	}
}

// WithDecomposerTimeout bounds the planning model call. Default 15s.
func WithDecomposerTimeout(t time.Duration) DecomposerOption {
	return func(d *Decomposer) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithDecomposerLogger sets the logger. Defaults to a no-op logger.
func WithDecomposerLogger(l *slog.Logger) DecomposerOption {
	return func(d *Decomposer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDecomposerTracer sets the tracer for per-plan spans.
func WithDecomposerTracer(t Tracer) DecomposerOption {
	return func(d *Decomposer) { d.tracer = t }
}

// NewDecomposer creates a Decomposer over the given registry.
func NewDecomposer(gateway *Gateway, prompts *PromptStore, registry *Registry, opts ...DecomposerOption) *Decomposer {
	d := &Decomposer{
		gateway:  gateway,
		prompts:  prompts,
		registry: registry,
		maxTasks: defaultMaxTasks,
		timeout:  defaultDecomposerTimeout,
		logger:   nopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// planWire is the JSON shape the model is asked to produce.
type planWire struct {
	Tasks []planTask `json:"tasks" jsonschema:"required"`
}

type planTask struct {
	ID        string   `json:"id" jsonschema:"required,description=Short unique id such as t1"`
	Agent     string   `json:"agent" jsonschema:"required,description=Name of the agent that runs this task"`
	Input     string   `json:"input" jsonschema:"required,description=Self-contained instruction for the agent"`
	DependsOn []string `json:"depends_on" jsonschema:"description=Ids of tasks whose output this task needs"`
}

// Decompose plans a task graph for the run. Errors other than cancellation
// mean the plan was unusable (cyclic, oversized, unknown agents, or
// unparseable); callers fall back to single-agent routing on them.
func (d *Decomposer) Decompose(ctx context.Context, run *RunContext) (*TaskGraph, error) {
	if d.tracer != nil {
		var span Span
		ctx, span = d.tracer.Start(ctx, "decomposer.plan")
		defer span.End()
	}

	prompt, err := d.prompts.Render("decomposer.plan", map[string]string{
		"agents":    describeAgents(d.registry),
		"query":     run.Query,
		"max_tasks": strconv.Itoa(d.maxTasks),
		"schema":    schemaJSON(new(planWire)),
	})
	if err != nil {
		return nil, err
	}

	content, err := d.gateway.Complete(ctx, []ChatMessage{UserMessage(prompt)}, Params{
		MaxTokens:   1024,
		Temperature: 0.2,
		Timeout:     d.timeout,
	})
	if err != nil {
		return nil, err
	}

	var wire planWire
	if err := json.Unmarshal([]byte(extractJSON(content)), &wire); err != nil {
		return nil, Fail(KindDegraded, "unparseable plan: %v", err)
	}

	graph, err := d.buildGraph(wire)
	if err != nil {
		return nil, err
	}
	d.logger.Info("query decomposed", "tasks", len(graph.Nodes))
	return graph, nil
}

// buildGraph converts the wire plan into an arena graph and validates it:
// unique ids, known active agents, resolvable dependencies, size cap, and
// acyclicity.
func (d *Decomposer) buildGraph(wire planWire) (*TaskGraph, error) {
	if len(wire.Tasks) == 0 {
		return nil, Fail(KindDegraded, "plan contains no tasks")
	}
	if len(wire.Tasks) > d.maxTasks {
		return nil, Fail(KindDegraded, "plan has %d tasks, cap is %d", len(wire.Tasks), d.maxTasks)
	}

	active := make(map[string]bool)
	for _, name := range d.registry.Active() {
		active[name] = true
	}

	index := make(map[string]int, len(wire.Tasks))
	for i, t := range wire.Tasks {
		if t.ID == "" {
			return nil, Fail(KindDegraded, "task %d has no id", i)
		}
		if _, dup := index[t.ID]; dup {
			return nil, Fail(KindDegraded, "duplicate task id %q", t.ID)
		}
		index[t.ID] = i
	}

	graph := &TaskGraph{Nodes: make([]TaskNode, len(wire.Tasks))}
	for i, t := range wire.Tasks {
		if !active[t.Agent] {
			return nil, Fail(KindDegraded, "task %q names unknown agent %q", t.ID, t.Agent)
		}
		if t.Input == "" {
			return nil, Fail(KindDegraded, "task %q has no input", t.ID)
		}
		deps := make([]int, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, Fail(KindDegraded, "task %q depends on unknown task %q", t.ID, dep)
			}
			if j == i {
				return nil, Fail(KindDegraded, "task %q depends on itself", t.ID)
			}
			deps = append(deps, j)
		}
		graph.Nodes[i] = TaskNode{ID: i, Agent: t.Agent, Input: t.Input, Deps: deps}
	}

	if _, err := graph.Layers(); err != nil {
		return nil, Fail(KindDegraded, "plan is cyclic")
	}
	return graph, nil
}

// Layers orders the graph into topological layers by Kahn's algorithm: every
// node in layer k depends only on nodes in layers before k. Node order
// within a layer follows declaration order. A cycle is a consistency error.
func (g *TaskGraph) Layers() ([][]int, error) {
	n := len(g.Nodes)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, node := range g.Nodes {
		indegree[i] = len(node.Deps)
		for _, dep := range node.Deps {
			if dep < 0 || dep >= n {
				return nil, Fail(KindConsistency, "task %d depends on out-of-range task %d", i, dep)
			}
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var layers [][]int
	current := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			current = append(current, i)
		}
	}

	processed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		processed += len(current)
		var next []int
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Ints(next)
		current = next
	}

	if processed != n {
		return nil, Fail(KindConsistency, "task graph contains a cycle")
	}
	return layers, nil
}

// Agents returns the distinct agent names in the graph, in first-appearance
// order. The aggregator lists contributors in this order.
func (g *TaskGraph) Agents() []string {
	seen := make(map[string]bool)
	var out []string
	for _, node := range g.Nodes {
		if !seen[node.Agent] {
			seen[node.Agent] = true
			out = append(out, node.Agent)
		}
	}
	return out
}
