//go:build integration

package retrievalbackend

import (
	"context"
	"fmt"
	"os"
	"testing"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func testStore(t *testing.T, collection string) *VectorStore {
	t.Helper()
	vs, err := New(qdrantAddr(), collection)
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() {
		vs.DeleteCollection(context.Background())
		vs.Close()
	})
	return vs
}

func TestQdrantEnsureCollection(t *testing.T) {
	vs := testStore(t, "test_ensure")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection (idempotent): %v", err)
	}
}

func TestQdrantUpsertAndSearch(t *testing.T) {
	vs := testStore(t, "test_upsert_search")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	records := []VectorRecord{
		{ID: "a1111111-1111-1111-1111-111111111111", Embedding: []float32{1, 0, 0, 0}, Payload: map[string]any{"content": "how the engine resolves next-step targets", "doc_id": "d1", "source": "docs"}},
		{ID: "b2222222-2222-2222-2222-222222222222", Embedding: []float32{0, 1, 0, 0}, Payload: map[string]any{"content": "budget clamp reasons", "doc_id": "d2", "source": "godoc"}},
		{ID: "c3333333-3333-3333-3333-333333333333", Embedding: []float32{0.9, 0.1, 0, 0}, Payload: map[string]any{"content": "next-step resolution order", "doc_id": "d3", "source": "docs"}},
	}

	if err := vs.Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := vs.Search(ctx, []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Content != "how the engine resolves next-step targets" {
		t.Fatalf("expected the closest vector first, got %q", results[0].Content)
	}
}

func TestQdrantSearchFiltered(t *testing.T) {
	vs := testStore(t, "test_filtered")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	records := []VectorRecord{
		{ID: "f1111111-1111-1111-1111-111111111111", Embedding: []float32{1, 0, 0, 0}, Payload: map[string]any{"content": "docs page", "source": "docs", "repo": "acme/widgets"}},
		{ID: "f2222222-2222-2222-2222-222222222222", Embedding: []float32{0.9, 0.1, 0, 0}, Payload: map[string]any{"content": "godoc comment", "source": "godoc", "repo": "acme/widgets"}},
		{ID: "f3333333-3333-3333-3333-333333333333", Embedding: []float32{0.8, 0.2, 0, 0}, Payload: map[string]any{"content": "docs page in another repo", "source": "docs", "repo": "acme/other"}},
	}
	if err := vs.Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := vs.SearchFiltered(ctx, []float32{1, 0, 0, 0}, 10, map[string]string{"source": "docs"})
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 docs results, got %d", len(results))
	}

	results, err = vs.SearchFiltered(ctx, []float32{1, 0, 0, 0}, 10, map[string]string{"repo": "acme/other"})
	if err != nil {
		t.Fatalf("SearchFiltered: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 acme/other result, got %d", len(results))
	}
}

func TestQdrantDeleteByDocID(t *testing.T) {
	vs := testStore(t, "test_delete")
	ctx := context.Background()

	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	records := []VectorRecord{
		{ID: "d1111111-1111-1111-1111-111111111111", Embedding: []float32{1, 0, 0, 0}, Payload: map[string]any{"content": "to delete", "doc_id": "del-1"}},
		{ID: "d2222222-2222-2222-2222-222222222222", Embedding: []float32{0, 1, 0, 0}, Payload: map[string]any{"content": "keep this", "doc_id": "keep-1"}},
	}
	if err := vs.Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := vs.DeleteByDocID(ctx, "del-1"); err != nil {
		t.Fatalf("DeleteByDocID: %v", err)
	}

	results, err := vs.Search(ctx, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.DocID == "del-1" {
			t.Fatal("deleted doc still found")
		}
	}
}

func TestQdrantDeleteCollection(t *testing.T) {
	addr := qdrantAddr()
	vs, err := New(addr, "test_delete_coll")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer vs.Close()

	ctx := context.Background()
	if err := vs.EnsureCollection(ctx, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	if err := vs.DeleteCollection(ctx); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	_, err = vs.Search(ctx, []float32{1, 0, 0, 0}, 1)
	if err == nil {
		fmt.Println("Note: search after delete may not error immediately in Qdrant")
	}
}
