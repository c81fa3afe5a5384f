package conclave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunParallelPreservesRoutingOrder(t *testing.T) {
	registry := stubRegistry(t,
		&stubAgent{name: "alpha", delay: 20 * time.Millisecond},
		&stubAgent{name: "beta", delay: 10 * time.Millisecond},
		&stubAgent{name: "gamma"},
	)
	e := NewExecutor(registry)

	run := &RunContext{Query: "q", Routing: RoutingDecision{Agents: []string{"alpha", "beta", "gamma"}}}
	events := make(chan StreamEvent, 8)
	results, err := e.RunParallel(context.Background(), run, events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Completion order differs from declaration order; results must not.
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if results[i].Agent != want {
			t.Errorf("result %d: got agent %q, want %q", i, results[i].Agent, want)
		}
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3 agent completions", len(events))
	}
	for i := 0; i < 3; i++ {
		if ev := <-events; ev.Type != EventAgentComplete {
			t.Errorf("got event type %q, want %q", ev.Type, EventAgentComplete)
		}
	}
}

func TestRunParallelContainsAgentFailure(t *testing.T) {
	registry := stubRegistry(t,
		&stubAgent{name: "solid"},
		&stubAgent{name: "flaky", fn: func(*RunContext) (AgentResponse, error) {
			return AgentResponse{}, errors.New("model exploded")
		}},
	)
	e := NewExecutor(registry)

	run := &RunContext{Query: "q", Routing: RoutingDecision{Agents: []string{"solid", "flaky"}}}
	events := make(chan StreamEvent, 8)
	results, err := e.RunParallel(context.Background(), run, events)
	if err != nil {
		t.Fatalf("one agent failing must not fail the dispatch: %v", err)
	}

	if results[0].Failed {
		t.Errorf("healthy agent marked failed: %+v", results[0])
	}
	note := results[1]
	if !note.Failed {
		t.Fatalf("expected a failure note: %+v", note)
	}
	if note.Content != "(the flaky specialist failed to answer)" {
		t.Errorf("got %q", note.Content)
	}
	if note.Confidence != failedConfidence {
		t.Errorf("got confidence %v, want %v", note.Confidence, failedConfidence)
	}

	failedEvents := 0
	for i := 0; i < 2; i++ {
		if ev := <-events; ev.Failed {
			failedEvents++
		}
	}
	if failedEvents != 1 {
		t.Errorf("got %d failed completion events, want 1", failedEvents)
	}
}

func TestRunOneTimesOut(t *testing.T) {
	registry := stubRegistry(t, &stubAgent{name: "slow", delay: 500 * time.Millisecond})
	e := NewExecutor(registry, WithTaskTimeout(20*time.Millisecond))

	run := &RunContext{Query: "q", Routing: RoutingDecision{Agents: []string{"slow"}}}
	results, err := e.RunParallel(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Content != "(the slow specialist timed out)" {
		t.Errorf("got %q", results[0].Content)
	}
	if !results[0].Failed {
		t.Error("timed-out task should be a failure note")
	}
}

func TestRunOneUnregisteredAgent(t *testing.T) {
	registry := stubRegistry(t, &stubAgent{name: "present"})
	e := NewExecutor(registry)

	run := &RunContext{Query: "q", Routing: RoutingDecision{Agents: []string{"ghost"}}}
	results, err := e.RunParallel(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Content != "(the ghost specialist agent not registered)" {
		t.Errorf("got %q", results[0].Content)
	}
}

func TestRunGraphPipesDependencyOutputs(t *testing.T) {
	var (
		mu       sync.Mutex
		sawInput string
		sawDeps  []AgentResponse
	)
	registry := stubRegistry(t,
		&stubAgent{name: "research", fn: func(*RunContext) (AgentResponse, error) {
			return AgentResponse{Agent: "research", Content: "FINDINGS", Confidence: 0.8}, nil
		}},
		&stubAgent{name: "engineering", fn: func(run *RunContext) (AgentResponse, error) {
			mu.Lock()
			sawInput = run.Input()
			sawDeps = run.DepOutputs
			mu.Unlock()
			return AgentResponse{Agent: "engineering", Content: "DESIGN", Confidence: 0.9}, nil
		}},
	)
	e := NewExecutor(registry)

	run := &RunContext{
		Query: "build it",
		Graph: &TaskGraph{Nodes: []TaskNode{
			{ID: 0, Agent: "research", Input: "gather prior art"},
			{ID: 1, Agent: "engineering", Input: "design from findings", Deps: []int{0}},
		}},
	}
	events := make(chan StreamEvent, 8)
	results, err := e.RunGraph(context.Background(), run, events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 2 || results[0].Content != "FINDINGS" || results[1].Content != "DESIGN" {
		t.Errorf("unexpected results: %+v", results)
	}
	if sawInput != "design from findings" {
		t.Errorf("got task input %q", sawInput)
	}
	if len(sawDeps) != 1 || sawDeps[0].Content != "FINDINGS" {
		t.Errorf("dependency output not piped: %+v", sawDeps)
	}
	if run.Graph.Nodes[0].Output != "FINDINGS" {
		t.Errorf("node output not materialized: %+v", run.Graph.Nodes[0])
	}
	if run.Partial[1].Content != "DESIGN" {
		t.Errorf("partial results not recorded: %+v", run.Partial)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestRunGraphRejectsEmptyGraph(t *testing.T) {
	e := NewExecutor(stubRegistry(t, &stubAgent{name: "a"}))
	_, err := e.RunGraph(context.Background(), &RunContext{Query: "q"}, nil)
	if KindOf(err) != KindConsistency {
		t.Errorf("got kind %q, want %q", KindOf(err), KindConsistency)
	}
}

func TestRunParallelRejectsNoAgents(t *testing.T) {
	e := NewExecutor(stubRegistry(t, &stubAgent{name: "a"}))
	_, err := e.RunParallel(context.Background(), &RunContext{Query: "q"}, nil)
	if KindOf(err) != KindConsistency {
		t.Errorf("got kind %q, want %q", KindOf(err), KindConsistency)
	}
}

func TestRunGraphAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	registry := stubRegistry(t,
		&stubAgent{name: "research", fn: func(*RunContext) (AgentResponse, error) {
			cancel()
			return AgentResponse{Agent: "research", Content: "late"}, nil
		}},
		&stubAgent{name: "engineering"},
	)
	e := NewExecutor(registry)

	run := &RunContext{
		Query: "q",
		Graph: &TaskGraph{Nodes: []TaskNode{
			{ID: 0, Agent: "research", Input: "a"},
			{ID: 1, Agent: "engineering", Input: "b", Deps: []int{0}},
		}},
	}
	_, err := e.RunGraph(ctx, run, nil)
	if KindOf(err) != KindCancelled {
		t.Errorf("got kind %q, want %q", KindOf(err), KindCancelled)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	work := func(*RunContext) (AgentResponse, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return AgentResponse{Content: "done", Confidence: 0.5}, nil
	}
	registry := stubRegistry(t,
		&stubAgent{name: "one", fn: work},
		&stubAgent{name: "two", fn: work},
		&stubAgent{name: "three", fn: work},
	)
	e := NewExecutor(registry, WithConcurrency(1))

	run := &RunContext{Query: "q", Routing: RoutingDecision{Agents: []string{"one", "two", "three"}}}
	if _, err := e.RunParallel(context.Background(), run, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak != 1 {
		t.Errorf("got peak concurrency %d, want 1", peak)
	}
}
