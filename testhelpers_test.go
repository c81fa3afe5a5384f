package conclave

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// stubProvider is a test Provider that returns pre-configured results in
// order. Chat and ChatStream share one result queue; the counter is locked
// because parallel strategies call agents concurrently.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	reqs    []ChatRequest
	results []stubResult
}

type stubResult struct {
	resp   ChatResponse
	tokens []string // deltas written to ch in ChatStream
	err    error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.reqs = append(s.reqs, req)
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{resp: ChatResponse{Content: "exhausted"}}
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) request(i int) ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	r := s.next(req)
	for _, tok := range r.tokens {
		ch <- chunkEvent(tok)
	}
	return r.resp, r.err
}

var _ Provider = (*stubProvider)(nil)

// stubAgent is a minimal Agent. With no fn it answers "<name> answer"; a
// positive delay makes it wait (or return ctx.Err() when cancelled first),
// which the timeout and cancellation tests rely on.
type stubAgent struct {
	name     string
	caps     []string
	inactive bool
	delay    time.Duration
	deltas   []string // chunks emitted by ProcessStream on success
	fn       func(run *RunContext) (AgentResponse, error)
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Describe() AgentDescriptor {
	return AgentDescriptor{
		Name:         a.name,
		Capabilities: a.caps,
		TemplateID:   AgentTemplateID(a.name),
		Active:       !a.inactive,
	}
}

func (a *stubAgent) Process(ctx context.Context, run *RunContext) (AgentResponse, error) {
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return AgentResponse{Agent: a.name}, ctx.Err()
		case <-timer.C:
		}
	}
	if a.fn != nil {
		return a.fn(run)
	}
	return AgentResponse{Agent: a.name, Content: a.name + " answer", Confidence: 0.9}, nil
}

func (a *stubAgent) ProcessStream(ctx context.Context, run *RunContext, ch chan<- StreamEvent) (AgentResponse, error) {
	resp, err := a.Process(ctx, run)
	if err == nil {
		deltas := a.deltas
		if deltas == nil {
			deltas = []string{resp.Content}
		}
		for _, d := range deltas {
			ch <- chunkEvent(d)
		}
	}
	return resp, err
}

var _ Agent = (*stubAgent)(nil)

// stubEmbedder produces deterministic text-dependent vectors.
type stubEmbedder struct {
	mu    sync.Mutex
	dim   int
	calls int
	err   error
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t, e.dim)
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return e.dim }
func (e *stubEmbedder) Name() string    { return "stub-embedder" }

var _ EmbeddingProvider = (*stubEmbedder)(nil)

func embedText(text string, dim int) []float32 {
	v := make([]float32, dim)
	for i, r := range text {
		v[(i+int(r))%dim] += float32(int(r)%17 + 1)
	}
	return v
}

// --- In-memory stores ---

// memVectors is an in-memory VectorStore with brute-force cosine ranking.
// Setting fail makes every method return that error.
type memVectors struct {
	mu   sync.Mutex
	recs []VectorRecord
	fail error
}

func (m *memVectors) StoreVector(_ context.Context, rec VectorRecord) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == rec.ID {
			m.recs[i] = rec
			return nil
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memVectors) SearchVectors(_ context.Context, embedding []float32, k int, tags []string) ([]ScoredVector, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var scored []ScoredVector
	for _, rec := range m.recs {
		if !hasAllTags(rec.Tags, tags) {
			continue
		}
		scored = append(scored, ScoredVector{Record: rec, Score: CosineSimilarity(embedding, rec.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *memVectors) DeleteVectors(_ context.Context, patterns []string) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	removed := 0
	for _, rec := range m.recs {
		if matchesAny(rec.Text, patterns) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.recs = kept
	return removed, nil
}

func (m *memVectors) ListVectors(_ context.Context) ([]VectorRecord, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VectorRecord(nil), m.recs...), nil
}

func (m *memVectors) CountVectors(_ context.Context) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *memVectors) DecayVectors(_ context.Context, factor, floor float64) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	removed := 0
	for _, rec := range m.recs {
		rec.Importance *= factor
		if rec.Importance < floor {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.recs = kept
	return removed, nil
}

var _ VectorStore = (*memVectors)(nil)

// memDocs is an in-memory DocumentStore ranked by query-token overlap.
type memDocs struct {
	mu   sync.Mutex
	recs []DocumentRecord
	fail error
}

func (m *memDocs) StoreDocumentRecord(_ context.Context, rec DocumentRecord) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == rec.ID {
			m.recs[i] = rec
			return nil
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memDocs) SearchDocuments(_ context.Context, query string, k int) ([]ScoredDocument, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := strings.Fields(strings.ToLower(query))
	var scored []ScoredDocument
	for _, rec := range m.recs {
		lower := strings.ToLower(rec.Text)
		score := 0.0
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, ScoredDocument{Record: rec, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *memDocs) DeleteDocuments(_ context.Context, patterns []string) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	removed := 0
	for _, rec := range m.recs {
		if matchesAny(rec.Text, patterns) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.recs = kept
	return removed, nil
}

func (m *memDocs) ListDocumentRecords(_ context.Context) ([]DocumentRecord, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DocumentRecord(nil), m.recs...), nil
}

func (m *memDocs) CountDocuments(_ context.Context) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

var _ DocumentStore = (*memDocs)(nil)

// memRels is an in-memory RelationStore.
type memRels struct {
	mu   sync.Mutex
	rels []Relation
	fail error
}

func (m *memRels) StoreRelation(_ context.Context, rel Relation) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rels = append(m.rels, rel)
	return nil
}

func (m *memRels) SearchRelations(_ context.Context, pattern string, k int) ([]Relation, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(pattern)
	var out []Relation
	for _, rel := range m.rels {
		if strings.Contains(strings.ToLower(rel.Subject), lower) ||
			strings.Contains(strings.ToLower(rel.Predicate), lower) ||
			strings.Contains(strings.ToLower(rel.Object), lower) {
			out = append(out, rel)
		}
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (m *memRels) DeleteRelations(_ context.Context, patterns []string) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rels[:0]
	removed := 0
	for _, rel := range m.rels {
		text := rel.Subject + " " + rel.Predicate + " " + rel.Object
		if matchesAny(text, patterns) {
			removed++
			continue
		}
		kept = append(kept, rel)
	}
	m.rels = kept
	return removed, nil
}

func (m *memRels) ListRelations(_ context.Context) ([]Relation, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Relation(nil), m.rels...), nil
}

func (m *memRels) CountRelations(_ context.Context) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rels), nil
}

var _ RelationStore = (*memRels)(nil)

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	messages map[string][]Message
	config   map[string]string

	failCreate error
	failAppend error
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		config:   make(map[string]string),
	}
}

func (m *memSessions) CreateSession(_ context.Context, s Session) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessions) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *memSessions) ListSessions(_ context.Context, owner string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if owner == "" || s.Owner == owner {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *memSessions) RenameSession(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.Title = title
	s.UpdatedAt = NowUnix()
	m.sessions[id] = s
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *memSessions) AppendMessage(_ context.Context, msg Message) error {
	if m.failAppend != nil {
		return m.failAppend
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	if s, ok := m.sessions[msg.SessionID]; ok {
		s.UpdatedAt = NowUnix()
		m.sessions[msg.SessionID] = s
	}
	return nil
}

func (m *memSessions) Messages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (m *memSessions) PurgeMessages(_ context.Context, patterns []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, msgs := range m.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if matchesAny(msg.Content, patterns) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		m.messages[id] = kept
	}
	return removed, nil
}

func (m *memSessions) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.config[key]
	if !ok {
		return "", fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *memSessions) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *memSessions) ListConfig(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.config {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memSessions) Init(_ context.Context) error { return nil }
func (m *memSessions) Close() error                 { return nil }

var _ SessionStore = (*memSessions)(nil)

// matchesAny reports whether text contains any pattern, case-insensitively.
// No patterns matches everything, mirroring the store contract.
func matchesAny(text string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// testStores bundles one in-memory instance of each store kind.
type testStores struct {
	vectors  *memVectors
	docs     *memDocs
	rels     *memRels
	sessions *memSessions
}

func newTestStores() *testStores {
	return &testStores{
		vectors:  &memVectors{},
		docs:     &memDocs{},
		rels:     &memRels{},
		sessions: newMemSessions(),
	}
}

func (ts *testStores) memory(e EmbeddingProvider) *Memory {
	return NewMemory(ts.vectors, ts.docs, ts.rels, ts.sessions, e)
}

// drainEvents collects everything from ch until it closes.
func drainEvents(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []StreamEvent) []StreamEventType {
	out := make([]StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
