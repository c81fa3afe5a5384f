package chromem

import (
	"context"
	"fmt"
	"testing"

	"github.com/nevindra/conclave"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func seed(t *testing.T, s *Store, recs ...conclave.VectorRecord) {
	t.Helper()
	for _, r := range recs {
		if err := s.StoreVector(context.Background(), r); err != nil {
			t.Fatalf("StoreVector %s: %v", r.ID, err)
		}
	}
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		conclave.VectorRecord{ID: "v1", Text: "x axis", Embedding: []float32{1, 0, 0}, Importance: 1, CreatedAt: 1},
		conclave.VectorRecord{ID: "v2", Text: "y axis", Embedding: []float32{0, 1, 0}, Importance: 1, CreatedAt: 2},
		conclave.VectorRecord{ID: "v3", Text: "diagonal", Embedding: []float32{1, 1, 0}, Importance: 1, CreatedAt: 3},
	)

	got, err := s.SearchVectors(context.Background(), []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Record.ID != "v1" {
		t.Errorf("expected v1 first, got %s", got[0].Record.ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v then %v", got[0].Score, got[1].Score)
	}
}

func TestSearchEmptyStore(t *testing.T) {
	s := testStore(t)
	got, err := s.SearchVectors(context.Background(), []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if got != nil {
		t.Errorf("expected no results, got %+v", got)
	}
}

func TestSearchTagFilter(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		conclave.VectorRecord{ID: "v1", Text: "tagged", Embedding: []float32{1, 0}, Tags: []string{"ingest"}, Importance: 1, CreatedAt: 1},
		conclave.VectorRecord{ID: "v2", Text: "untagged", Embedding: []float32{1, 0}, Importance: 1, CreatedAt: 2},
	)

	got, err := s.SearchVectors(context.Background(), []float32{1, 0}, 5, []string{"ingest"})
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != "v1" {
		t.Errorf("tag filter failed: %+v", got)
	}
}

func TestDeleteByPattern(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		conclave.VectorRecord{ID: "v1", Text: "keep this", Embedding: []float32{1, 0}, Importance: 1, CreatedAt: 1},
		conclave.VectorRecord{ID: "v2", Text: "Drop THIS", Embedding: []float32{0, 1}, Importance: 1, CreatedAt: 2},
	)

	n, err := s.DeleteVectors(context.Background(), []string{"drop"})
	if err != nil {
		t.Fatalf("DeleteVectors: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	count, _ := s.CountVectors(context.Background())
	if count != 1 {
		t.Errorf("expected 1 left, got %d", count)
	}
	// The index entry must be gone too.
	got, _ := s.SearchVectors(context.Background(), []float32{0, 1}, 5, nil)
	for _, r := range got {
		if r.Record.ID == "v2" {
			t.Error("deleted record still searchable")
		}
	}
}

func TestDeleteAllWithNoPatterns(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		conclave.VectorRecord{ID: "v1", Text: "a", Embedding: []float32{1}, Importance: 1, CreatedAt: 1},
		conclave.VectorRecord{ID: "v2", Text: "b", Embedding: []float32{1}, Importance: 1, CreatedAt: 2},
	)
	n, err := s.DeleteVectors(context.Background(), nil)
	if err != nil {
		t.Fatalf("DeleteVectors: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
}

func TestDecayRemovesBelowFloor(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		conclave.VectorRecord{ID: "v1", Text: "strong", Embedding: []float32{1}, Importance: 1.0, CreatedAt: 1},
		conclave.VectorRecord{ID: "v2", Text: "weak", Embedding: []float32{1}, Importance: 0.02, CreatedAt: 2},
	)

	removed, err := s.DecayVectors(context.Background(), 0.5, 0.05)
	if err != nil {
		t.Fatalf("DecayVectors: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	left, _ := s.ListVectors(context.Background())
	if len(left) != 1 || left[0].ID != "v1" || left[0].Importance != 0.5 {
		t.Errorf("unexpected survivors: %+v", left)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 3; i++ {
		seed(t, s, conclave.VectorRecord{
			ID: fmt.Sprintf("v%d", i), Text: "t", Embedding: []float32{1}, Importance: 1, CreatedAt: int64(i),
		})
	}
	got, err := s.ListVectors(context.Background())
	if err != nil {
		t.Fatalf("ListVectors: %v", err)
	}
	if len(got) != 3 || got[0].ID != "v2" || got[2].ID != "v0" {
		t.Errorf("unexpected order: %+v", got)
	}
}
