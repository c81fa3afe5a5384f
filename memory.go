package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// VectorStore is the embedded-memory kind: records ranked by cosine
// similarity against a query embedding. The embedding dimension is fixed at
// initialization; implementations reject mismatched inserts.
type VectorStore interface {
	StoreVector(ctx context.Context, rec VectorRecord) error
	// SearchVectors returns the top-k records by cosine similarity,
	// optionally restricted to records carrying every given tag.
	SearchVectors(ctx context.Context, embedding []float32, k int, tags []string) ([]ScoredVector, error)
	// DeleteVectors removes records whose text matches any case-insensitive
	// substring pattern; no patterns removes everything. Returns the count.
	DeleteVectors(ctx context.Context, patterns []string) (int, error)
	ListVectors(ctx context.Context) ([]VectorRecord, error)
	CountVectors(ctx context.Context) (int, error)
	// DecayVectors multiplies every record's importance by factor and
	// removes records that fall below floor. Returns the number removed.
	DecayVectors(ctx context.Context, factor, floor float64) (int, error)
}

// ScoredVector is one vector search result.
type ScoredVector struct {
	Record VectorRecord
	Score  float64
}

// DocumentStore is the free-text memory kind: records ranked by keyword
// relevance (BM25-style where the backend supports it, substring otherwise).
type DocumentStore interface {
	StoreDocumentRecord(ctx context.Context, rec DocumentRecord) error
	SearchDocuments(ctx context.Context, query string, k int) ([]ScoredDocument, error)
	// DeleteDocuments removes records whose text matches any
	// case-insensitive substring pattern; no patterns removes everything.
	DeleteDocuments(ctx context.Context, patterns []string) (int, error)
	ListDocumentRecords(ctx context.Context) ([]DocumentRecord, error)
	CountDocuments(ctx context.Context) (int, error)
}

// ScoredDocument is one document search result.
type ScoredDocument struct {
	Record DocumentRecord
	Score  float64
}

// RelationStore is the relational memory kind: subject-predicate-object
// triplets matched by pattern.
type RelationStore interface {
	StoreRelation(ctx context.Context, rel Relation) error
	// SearchRelations returns triplets whose subject, predicate, or object
	// matches the pattern (case-insensitive substring).
	SearchRelations(ctx context.Context, pattern string, k int) ([]Relation, error)
	DeleteRelations(ctx context.Context, patterns []string) (int, error)
	ListRelations(ctx context.Context) ([]Relation, error)
	CountRelations(ctx context.Context) (int, error)
}

// Memory is the unified facade over the three memory kinds plus the
// conversation log. Writes are atomic at record granularity; reads degrade
// gracefully so a failing store never fails a request.
type Memory struct {
	vectors   VectorStore
	documents DocumentStore
	relations RelationStore
	sessions  SessionStore
	embedder  EmbeddingProvider

	dimension int
	logger    *slog.Logger
}

// MemoryOption configures the Memory facade.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger. Defaults to a no-op logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDimensionOverride fixes the accepted embedding dimension independently
// of the embedder. Useful when importing records produced elsewhere.
func WithDimensionOverride(d int) MemoryOption {
	return func(m *Memory) { m.dimension = d }
}

// NewMemory composes the facade. The embedding dimension defaults to the
// embedder's; pass WithDimensionOverride to pin it explicitly.
func NewMemory(v VectorStore, d DocumentStore, r RelationStore, s SessionStore, e EmbeddingProvider, opts ...MemoryOption) *Memory {
	m := &Memory{
		vectors:   v,
		documents: d,
		relations: r,
		sessions:  s,
		embedder:  e,
		logger:    nopLogger(),
	}
	if e != nil {
		m.dimension = e.Dimensions()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Remember embeds text and stores it as a vector record.
func (m *Memory) Remember(ctx context.Context, text string, tags []string, importance float64) (VectorRecord, error) {
	if strings.TrimSpace(text) == "" {
		return VectorRecord{}, Fail(KindBadRequest, "cannot remember empty text")
	}
	embedding, err := m.embed(ctx, text)
	if err != nil {
		return VectorRecord{}, err
	}
	rec := VectorRecord{
		ID:         NewID(),
		Text:       text,
		Embedding:  embedding,
		Tags:       tags,
		Importance: clamp01(importance),
		CreatedAt:  NowUnix(),
	}
	if err := m.StoreVectorRecord(ctx, rec); err != nil {
		return VectorRecord{}, err
	}
	return rec, nil
}

// StoreVectorRecord validates the embedding dimension and writes the record.
// Mismatched dimensions are rejected before any side effect.
func (m *Memory) StoreVectorRecord(ctx context.Context, rec VectorRecord) error {
	if m.dimension > 0 && len(rec.Embedding) != m.dimension {
		return Fail(KindConsistency, "embedding dimension %d does not match store dimension %d",
			len(rec.Embedding), m.dimension)
	}
	if err := m.vectors.StoreVector(ctx, rec); err != nil {
		return WrapErr(KindStorage, "store vector", err)
	}
	return nil
}

// StoreDocument writes a free-text record.
func (m *Memory) StoreDocument(ctx context.Context, text string, metadata map[string]string) (DocumentRecord, error) {
	if strings.TrimSpace(text) == "" {
		return DocumentRecord{}, Fail(KindBadRequest, "cannot store empty document")
	}
	rec := DocumentRecord{
		ID:        NewID(),
		Text:      text,
		Metadata:  metadata,
		CreatedAt: NowUnix(),
	}
	if err := m.documents.StoreDocumentRecord(ctx, rec); err != nil {
		return DocumentRecord{}, WrapErr(KindStorage, "store document", err)
	}
	return rec, nil
}

// StoreRelation writes an entity-fact triplet.
func (m *Memory) StoreRelation(ctx context.Context, rel Relation) error {
	if rel.Subject == "" || rel.Predicate == "" || rel.Object == "" {
		return Fail(KindBadRequest, "relation requires subject, predicate, and object")
	}
	rel.Confidence = clamp01(rel.Confidence)
	if err := m.relations.StoreRelation(ctx, rel); err != nil {
		return WrapErr(KindStorage, "store relation", err)
	}
	return nil
}

// Search runs a ranked query against one memory kind.
func (m *Memory) Search(ctx context.Context, query string, kind MemoryKind, k int, tags []string) ([]MemoryHit, error) {
	if k <= 0 {
		k = 5
	}
	switch kind {
	case MemoryVector:
		embedding, err := m.embed(ctx, query)
		if err != nil {
			return nil, err
		}
		scored, err := m.vectors.SearchVectors(ctx, embedding, k, tags)
		if err != nil {
			return nil, WrapErr(KindStorage, "search vectors", err)
		}
		hits := make([]MemoryHit, len(scored))
		for i, sv := range scored {
			hits[i] = MemoryHit{Kind: MemoryVector, ID: sv.Record.ID, Text: sv.Record.Text, Score: sv.Score}
		}
		return hits, nil

	case MemoryDocument:
		scored, err := m.documents.SearchDocuments(ctx, query, k)
		if err != nil {
			return nil, WrapErr(KindStorage, "search documents", err)
		}
		hits := make([]MemoryHit, len(scored))
		for i, sd := range scored {
			hits[i] = MemoryHit{Kind: MemoryDocument, ID: sd.Record.ID, Text: sd.Record.Text, Score: sd.Score}
		}
		return hits, nil

	case MemoryRelational:
		rels, err := m.relations.SearchRelations(ctx, query, k)
		if err != nil {
			return nil, WrapErr(KindStorage, "search relations", err)
		}
		hits := make([]MemoryHit, len(rels))
		for i, rel := range rels {
			hits[i] = MemoryHit{
				Kind:  MemoryRelational,
				ID:    rel.Subject + "|" + rel.Predicate + "|" + rel.Object,
				Text:  fmt.Sprintf("%s %s %s", rel.Subject, rel.Predicate, rel.Object),
				Score: rel.Confidence,
			}
		}
		return hits, nil

	default:
		return nil, Fail(KindBadRequest, "unknown memory kind %q", kind)
	}
}

// Recall gathers prompt context for a query: top vector matches plus top
// document matches. It never fails; store errors degrade to an empty result
// with a warning, so prompt assembly proceeds with whatever is available.
func (m *Memory) Recall(ctx context.Context, query string, k int) []MemoryHit {
	var hits []MemoryHit
	vec, err := m.Search(ctx, query, MemoryVector, k, nil)
	if err != nil {
		m.logger.Warn("vector recall degraded", "error", err)
	} else {
		hits = append(hits, vec...)
	}
	docs, err := m.Search(ctx, query, MemoryDocument, k, nil)
	if err != nil {
		m.logger.Warn("document recall degraded", "error", err)
	} else {
		hits = append(hits, docs...)
	}
	return hits
}

// RecentConversation returns the last n messages of a session, oldest first.
func (m *Memory) RecentConversation(ctx context.Context, sessionID string, n int) ([]Message, error) {
	msgs, err := m.sessions.Messages(ctx, sessionID, n)
	if err != nil {
		return nil, WrapErr(KindStorage, "recent conversation", err)
	}
	return msgs, nil
}

// Clear removes records matching the patterns (case-insensitive substring;
// no patterns removes everything of that kind). MemoryAll clears every kind
// and additionally purges matching conversation messages, so filtered noise
// disappears from recall and from recent history alike. Returns the total
// number of records removed.
func (m *Memory) Clear(ctx context.Context, kind MemoryKind, patterns []string) (int, error) {
	total := 0
	clearKind := func(k MemoryKind) error {
		var (
			n   int
			err error
		)
		switch k {
		case MemoryVector:
			n, err = m.vectors.DeleteVectors(ctx, patterns)
		case MemoryDocument:
			n, err = m.documents.DeleteDocuments(ctx, patterns)
		case MemoryRelational:
			n, err = m.relations.DeleteRelations(ctx, patterns)
		}
		total += n
		return err
	}

	switch kind {
	case MemoryVector, MemoryDocument, MemoryRelational:
		if err := clearKind(kind); err != nil {
			return total, WrapErr(KindStorage, "clear "+string(kind), err)
		}
	case MemoryAll:
		for _, k := range []MemoryKind{MemoryVector, MemoryDocument, MemoryRelational} {
			if err := clearKind(k); err != nil {
				return total, WrapErr(KindStorage, "clear "+string(k), err)
			}
		}
		if len(patterns) > 0 {
			n, err := m.sessions.PurgeMessages(ctx, patterns)
			total += n
			if err != nil {
				return total, WrapErr(KindStorage, "purge messages", err)
			}
		}
	default:
		return 0, Fail(KindBadRequest, "unknown memory kind %q", kind)
	}
	return total, nil
}

// Export snapshots every store into a round-trippable blob.
func (m *Memory) Export(ctx context.Context) (ExportBlob, error) {
	blob := ExportBlob{Version: ExportVersion}

	sessions, err := m.sessions.ListSessions(ctx, "")
	if err != nil {
		return blob, WrapErr(KindStorage, "export sessions", err)
	}
	for _, s := range sessions {
		msgs, err := m.sessions.Messages(ctx, s.ID, 0)
		if err != nil {
			return blob, WrapErr(KindStorage, "export messages", err)
		}
		blob.Sessions = append(blob.Sessions, SessionExport{Session: s, Messages: msgs})
	}

	if blob.VectorRecords, err = m.vectors.ListVectors(ctx); err != nil {
		return blob, WrapErr(KindStorage, "export vectors", err)
	}
	if blob.Documents, err = m.documents.ListDocumentRecords(ctx); err != nil {
		return blob, WrapErr(KindStorage, "export documents", err)
	}
	if blob.Relations, err = m.relations.ListRelations(ctx); err != nil {
		return blob, WrapErr(KindStorage, "export relations", err)
	}
	return blob, nil
}

// Import loads a blob produced by Export. Records keep their ids, so
// importing over existing data upserts rather than duplicates.
func (m *Memory) Import(ctx context.Context, blob ExportBlob) error {
	if blob.Version != ExportVersion {
		return Fail(KindBadRequest, "unsupported export version %d", blob.Version)
	}
	for _, se := range blob.Sessions {
		if err := m.sessions.CreateSession(ctx, se.Session); err != nil {
			return WrapErr(KindStorage, "import session", err)
		}
		for _, msg := range se.Messages {
			if err := m.sessions.AppendMessage(ctx, msg); err != nil {
				return WrapErr(KindStorage, "import message", err)
			}
		}
	}
	for _, rec := range blob.VectorRecords {
		if err := m.StoreVectorRecord(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range blob.Documents {
		if err := m.documents.StoreDocumentRecord(ctx, rec); err != nil {
			return WrapErr(KindStorage, "import document", err)
		}
	}
	for _, rel := range blob.Relations {
		if err := m.relations.StoreRelation(ctx, rel); err != nil {
			return WrapErr(KindStorage, "import relation", err)
		}
	}
	return nil
}

// Stats reports per-kind record counts.
func (m *Memory) Stats(ctx context.Context) (MemoryStats, error) {
	var (
		stats MemoryStats
		err   error
	)
	if stats.Vectors, err = m.vectors.CountVectors(ctx); err != nil {
		return stats, WrapErr(KindStorage, "count vectors", err)
	}
	if stats.Documents, err = m.documents.CountDocuments(ctx); err != nil {
		return stats, WrapErr(KindStorage, "count documents", err)
	}
	if stats.Relations, err = m.relations.CountRelations(ctx); err != nil {
		return stats, WrapErr(KindStorage, "count relations", err)
	}
	return stats, nil
}

// Decay ages vector memory: importance is multiplied by factor and records
// below floor are removed. Returns the number removed.
func (m *Memory) Decay(ctx context.Context, factor, floor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, Fail(KindBadRequest, "decay factor must be in (0, 1], got %v", factor)
	}
	n, err := m.vectors.DecayVectors(ctx, factor, floor)
	if err != nil {
		return n, WrapErr(KindStorage, "decay vectors", err)
	}
	return n, nil
}

// embed converts one text into a vector via the injected embedder.
func (m *Memory) embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedder == nil {
		return nil, Fail(KindModelUnavailable, "no embedding provider configured")
	}
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, WrapErr(KindModelUnavailable, "embedding failed", err)
	}
	if len(vecs) != 1 {
		return nil, Fail(KindModelUnavailable, "embedder returned %d vectors for one text", len(vecs))
	}
	return vecs[0], nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. Store drivers without native vector support use it for
// brute-force ranking.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
