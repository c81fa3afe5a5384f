package conclave

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// PromptStore holds named prompt templates. Templates come from compiled-in
// defaults, overridden by <name>.txt files in a configured directory, and
// may be replaced at runtime through SetTemplate. Reads always see one
// consistent snapshot; the version increments on every change.
type PromptStore struct {
	mu        sync.RWMutex
	templates map[string]string
	version   int

	dir    string
	logger *slog.Logger
}

// PromptOption configures a PromptStore.
type PromptOption func(*PromptStore)

// WithPromptDir loads templates from <dir>/<name>.txt, overriding the
// compiled-in defaults. Watch reloads the directory on change.
func WithPromptDir(dir string) PromptOption {
	return func(p *PromptStore) { p.dir = dir }
}

// WithTemplate sets or overrides a single template at construction.
func WithTemplate(name, text string) PromptOption {
	return func(p *PromptStore) { p.templates[name] = text }
}

// WithPromptLogger sets the logger. Defaults to a no-op logger.
func WithPromptLogger(l *slog.Logger) PromptOption {
	return func(p *PromptStore) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPromptStore creates a store seeded with the built-in templates. When a
// prompt directory is configured its files are loaded immediately; a missing
// directory is an error, unreadable individual files are skipped with a log.
func NewPromptStore(opts ...PromptOption) (*PromptStore, error) {
	p := &PromptStore{
		templates: make(map[string]string, len(defaultTemplates)),
		version:   1,
		logger:    nopLogger(),
	}
	for name, text := range defaultTemplates {
		p.templates[name] = text
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dir != "" {
		if err := p.loadDir(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// placeholderPattern matches {name} variables. Braces not forming a bare
// identifier (JSON examples, code) pass through untouched.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_.]*)\}`)

// Render interpolates vars into the named template. Interpolation is
// strict: an unknown template or an unresolved {variable} fails with
// KindBadRequest.
func (p *PromptStore) Render(name string, vars map[string]string) (string, error) {
	p.mu.RLock()
	text, ok := p.templates[name]
	p.mu.RUnlock()
	if !ok {
		return "", Fail(KindBadRequest, "prompt %q not found", name)
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", Fail(KindBadRequest, "prompt %q render failed: missing variables %s",
			name, strings.Join(missing, ", "))
	}
	return rendered, nil
}

// Has reports whether a template with the given name exists.
func (p *PromptStore) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.templates[name]
	return ok
}

// SetTemplate replaces (or adds) one template and bumps the version. Used by
// the control surface for runtime prompt updates.
func (p *PromptStore) SetTemplate(name, text string) {
	p.mu.Lock()
	p.templates[name] = text
	p.version++
	p.mu.Unlock()
}

// Version returns the current snapshot version. It increments on every
// SetTemplate call and every directory reload.
func (p *PromptStore) Version() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Names returns all template names in no particular order.
func (p *PromptStore) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	return names
}

// loadDir merges <dir>/*.txt over the current templates.
func (p *PromptStore) loadDir() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return WrapErr(KindBadRequest, "prompt directory unreadable", err)
	}
	loaded := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			p.logger.Warn("skipping unreadable prompt file", "file", entry.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		p.templates[name] = strings.TrimRight(string(data), "\n")
		loaded++
	}
	if loaded > 0 {
		p.version++
	}
	p.logger.Debug("prompt directory loaded", "dir", p.dir, "templates", loaded, "version", p.version)
	return nil
}

// Watch reloads the prompt directory whenever its contents change, until ctx
// ends. No-op when no directory is configured.
func (p *PromptStore) Watch(ctx context.Context) error {
	if p.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapErr(KindStorage, "prompt watcher", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return WrapErr(KindStorage, "prompt watcher", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.loadDir(); err != nil {
					p.logger.Warn("prompt reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// AgentTemplateID returns the system template name for an agent.
func AgentTemplateID(agent string) string {
	return "agent." + agent + ".system"
}

// defaultTemplates are the compiled-in prompts. A prompt directory or the
// control surface may override any of them.
var defaultTemplates = map[string]string{
	"classifier.selection": `You route user queries to specialist agents.

Available agents:
{agents}

Recent conversation:
{recent}

Query: {query}

Select the agents best suited to answer. Use strategy "single" for one
agent, "parallel" for independent perspectives, "collaborative" when the
work has ordered steps that build on each other.

Respond with only a JSON object matching this schema:
{schema}`,

	"decomposer.plan": `You split a complex query into tasks for specialist agents.

Available agents:
{agents}

Query: {query}

Produce at most {max_tasks} tasks. Each task names one agent, carries a
self-contained instruction, and lists the ids of tasks whose output it
needs. Ids are short strings like "t1". Do not create cycles.

Respond with only a JSON object matching this schema:
{schema}`,

	"aggregator.synthesize": `You combine specialist answers into one coherent reply.

The user asked: {query}

Specialist answers:
{outputs}

Write a single unified answer. Merge agreements, reconcile conflicts by
weighing confidence, and do not mention the agents or this synthesis step.`,

	"agent.engineering.system": `You are a senior software engineer. You design systems, write and
review code, debug failures, and explain engineering tradeoffs with
precision. Prefer concrete mechanisms, realistic numbers, and working
examples over generalities. Say so plainly when something is unknowable
or depends on missing context.`,

	"agent.research.system": `You are a research specialist. You gather, synthesize, and cite the
state of knowledge on a topic: canonical papers, established results,
open questions, and credible sources. Distinguish settled findings from
speculation, and state your confidence in each claim.`,

	"agent.ethics.system": `You are an ethics and critical-reasoning specialist. You surface
assumptions, examine second-order consequences, identify stakeholders
and harms, and stress-test arguments for soundness. Be direct about
tradeoffs rather than defaulting to caution.`,
}
