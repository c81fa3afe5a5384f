package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/conclave"
)

func TestEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected path /embeddings, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "text-embedding-3-small" {
			t.Errorf("expected model text-embedding-3-small, got %s", req.Model)
		}
		if len(req.Input) != 2 {
			t.Fatalf("expected 2 inputs, got %d", len(req.Input))
		}
		if req.Dimensions != 3 {
			t.Errorf("expected dimensions 3, got %d", req.Dimensions)
		}

		// Return data out of order; Embed must reorder by index.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embeddingResponse{
			Data: []embeddingData{
				{Index: 1, Embedding: []float32{0, 1, 0}},
				{Index: 0, Embedding: []float32{1, 0, 0}},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedder("test-key", "text-embedding-3-small", srv.URL, 3)

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}

	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not ordered by input index: %v", vecs)
	}
}

func TestEmbedder_EmbedEmptyInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expected no HTTP call for empty input")
	}))
	defer srv.Close()

	e := NewEmbedder("key", "model", srv.URL, 3)

	vecs, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil vectors, got %v", vecs)
	}
}

func TestEmbedder_EmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embeddingResponse{
			Data: []embeddingData{{Index: 0, Embedding: []float32{1, 0, 0}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder("key", "model", srv.URL, 3)

	_, err := e.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error when response count differs from input count")
	}
}

func TestEmbedder_EmbedHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	e := NewEmbedder("key", "model", srv.URL, 3)

	_, err := e.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	httpErr, ok := err.(*conclave.ErrHTTP)
	if !ok {
		t.Fatalf("expected *conclave.ErrHTTP, got %T", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", httpErr.Status)
	}
}

func TestEmbedder_DimensionsAndName(t *testing.T) {
	e := NewEmbedder("key", "model", "http://localhost", 1536)
	if e.Dimensions() != 1536 {
		t.Errorf("expected dimensions 1536, got %d", e.Dimensions())
	}
	if e.Name() != "openai" {
		t.Errorf("expected default name 'openai', got %q", e.Name())
	}

	e = NewEmbedder("key", "model", "http://localhost", 768, WithEmbedderName("ollama"))
	if e.Name() != "ollama" {
		t.Errorf("expected name 'ollama', got %q", e.Name())
	}
}
