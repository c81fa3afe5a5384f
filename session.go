package conclave

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"
)

// ErrNotFound is wrapped by stores when a session, record, or config key
// does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore persists sessions and their append-only message logs.
// Implementations must provide read-your-writes within a process; the
// engine serializes whole runs per session above this interface, so drivers
// only need record-level atomicity.
type SessionStore interface {
	// CreateSession stores a new session. The caller assigns the id.
	CreateSession(ctx context.Context, s Session) error
	// GetSession loads one session. Wraps ErrNotFound when absent.
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions returns sessions for an owner, most recently updated
	// first. An empty owner selects every session (export).
	ListSessions(ctx context.Context, owner string) ([]Session, error)
	// RenameSession updates the title. Wraps ErrNotFound when absent.
	RenameSession(ctx context.Context, id, title string) error
	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage appends to a session's log and bumps its updated_at.
	AppendMessage(ctx context.Context, m Message) error
	// Messages returns a session's log in chronological order. A positive
	// limit returns only the most recent entries.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// PurgeMessages deletes every message whose content matches any of the
	// given case-insensitive substring patterns, across all sessions.
	// Returns the number removed.
	PurgeMessages(ctx context.Context, patterns []string) (int, error)

	// GetConfig reads a persisted key, wrapping ErrNotFound when absent.
	GetConfig(ctx context.Context, key string) (string, error)
	// SetConfig writes a persisted key.
	SetConfig(ctx context.Context, key, value string) error
	// ListConfig returns every persisted key with the given prefix.
	ListConfig(ctx context.Context, prefix string) (map[string]string, error)

	// Init prepares the schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error
}

// NewSession builds a Session with a fresh id and timestamps.
func NewSession(owner, title string) Session {
	now := NowUnix()
	return Session{
		ID:        NewID(),
		Owner:     owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeriveTitle produces a session title from the first query: the leading
// words, cut at a rune boundary.
func DeriveTitle(query string) string {
	const max = 48
	title := strings.Join(strings.Fields(query), " ")
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	cut := max
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

// PresentationView collapses each run in a raw message log: when a run
// produced an aggregator message, the per-agent assistant messages of that
// run are hidden and only the synthesized reply remains. Runs without an
// aggregator message keep all attributions. The raw view is the stored log
// itself.
func PresentationView(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	run := make([]Message, 0, 4)

	flush := func() {
		if len(run) == 0 {
			return
		}
		aggregated := -1
		for i, m := range run {
			if m.Agent == AggregatorName {
				aggregated = i
			}
		}
		if aggregated >= 0 {
			out = append(out, run[aggregated])
		} else {
			out = append(out, run...)
		}
		run = run[:0]
	}

	for _, m := range msgs {
		if m.Role == RoleAssistant {
			run = append(run, m)
			continue
		}
		flush()
		out = append(out, m)
	}
	flush()
	return out
}

// sessionGates serializes runs per session. Waiters are admitted in arrival
// order: acquisition is a send on a one-slot channel, and the runtime wakes
// blocked senders FIFO.
type sessionGates struct {
	mu    sync.Mutex
	gates map[string]*sessionGate
}

type sessionGate struct {
	slot chan struct{}
	refs int
}

func newSessionGates() *sessionGates {
	return &sessionGates{gates: make(map[string]*sessionGate)}
}

// acquire blocks until the session's slot is free or ctx ends.
func (s *sessionGates) acquire(ctx context.Context, id string) error {
	s.mu.Lock()
	g, ok := s.gates[id]
	if !ok {
		g = &sessionGate{slot: make(chan struct{}, 1)}
		s.gates[id] = g
	}
	g.refs++
	s.mu.Unlock()

	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.drop(id)
		return ctx.Err()
	}
}

// release frees the session's slot.
func (s *sessionGates) release(id string) {
	s.mu.Lock()
	g, ok := s.gates[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-g.slot
	s.drop(id)
}

// drop decrements the gate's refcount and removes it when unused.
func (s *sessionGates) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		return
	}
	g.refs--
	if g.refs <= 0 {
		delete(s.gates, id)
	}
}
