// Package chromem implements conclave.VectorStore over chromem-go's
// embedded vector index. Vectors live in RAM and restarts start empty;
// pair it with a durable SessionStore and re-import exports when needed,
// or use the sqlite/postgres stores for durable memory.
package chromem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/nevindra/conclave"
)

const collectionName = "conclave_memory"

// StoreOption configures a chromem Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store keeps the authoritative records in a map and uses a chromem
// collection purely as the similarity index. Listing, substring deletion,
// and importance decay run against the map; searches run against the index
// and join back by id.
type Store struct {
	mu     sync.RWMutex
	recs   map[string]conclave.VectorRecord
	col    *chromem.Collection
	logger *slog.Logger
}

var _ conclave.VectorStore = (*Store)(nil)

// New creates an in-memory Store.
func New(opts ...StoreOption) (*Store, error) {
	db := chromem.NewDB()
	// Embeddings are always precomputed by the caller; the collection's own
	// embedding function must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem: embedding function called but vectors are precomputed")
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	s := &Store{
		recs:   make(map[string]conclave.VectorRecord),
		col:    col,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) StoreVector(ctx context.Context, rec conclave.VectorRecord) error {
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
	}
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	s.mu.Lock()
	s.recs[rec.ID] = rec
	s.mu.Unlock()
	s.logger.Debug("chromem: vector stored", "id", rec.ID, "dim", len(rec.Embedding))
	return nil
}

// SearchVectors queries the index and joins results back to the record map.
// When tags are given the whole collection is queried so post-filtering
// still returns up to k records.
func (s *Store) SearchVectors(ctx context.Context, embedding []float32, k int, tags []string) ([]conclave.ScoredVector, error) {
	total := s.col.Count()
	if total == 0 || k <= 0 {
		return nil, nil
	}
	n := k
	if len(tags) > 0 || n > total {
		n = total
	}

	hits, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]conclave.ScoredVector, 0, k)
	for _, h := range hits {
		rec, ok := s.recs[h.ID]
		if !ok || !hasAllTags(rec.Tags, tags) {
			continue
		}
		results = append(results, conclave.ScoredVector{Record: rec, Score: float64(h.Similarity)})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// DeleteVectors removes records whose text contains any pattern,
// case-insensitive. No patterns removes everything.
func (s *Store) DeleteVectors(ctx context.Context, patterns []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.recs {
		if len(patterns) == 0 || matchesAny(rec.Text, patterns) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("chromem: delete: %w", err)
	}
	for _, id := range ids {
		delete(s.recs, id)
	}
	s.logger.Debug("chromem: vectors deleted", "count", len(ids))
	return len(ids), nil
}

func (s *Store) ListVectors(ctx context.Context) ([]conclave.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]conclave.VectorRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

func (s *Store) CountVectors(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs), nil
}

// DecayVectors multiplies every record's importance by factor and removes
// records that fall below floor. Importance lives in the record map, so the
// index only needs updating for removals.
func (s *Store) DecayVectors(ctx context.Context, factor, floor float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.recs {
		rec.Importance *= factor
		if rec.Importance < floor {
			removed = append(removed, id)
			continue
		}
		s.recs[id] = rec
	}
	if len(removed) > 0 {
		if err := s.col.Delete(ctx, nil, nil, removed...); err != nil {
			return 0, fmt.Errorf("chromem: delete decayed: %w", err)
		}
		for _, id := range removed {
			delete(s.recs, id)
		}
	}
	s.logger.Debug("chromem: vectors decayed", "factor", factor, "removed", len(removed))
	return len(removed), nil
}

func matchesAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func hasAllTags(got, want []string) bool {
	for _, w := range want {
		found := false
		for _, g := range got {
			if g == w {
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
