package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ragflow/pipeline/internal/retrievalbackend"
	"github.com/ragflow/pipeline/internal/weaviatelog"
)

// Embedder turns query text into the embedding space the vector store was
// indexed with.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the narrow slice of retrievalbackend.VectorStore this
// package depends on.
type VectorSearcher interface {
	SearchFiltered(ctx context.Context, embedding []float32, topK int, filter map[string]string) ([]retrievalbackend.SearchResult, error)
}

// LexicalSearcher is the narrow slice of graphprovider.BuiltinProvider's
// full-text capability this package depends on.
type LexicalSearcher interface {
	SearchFullText(ctx context.Context, repo, snapshotID, query string, limit int) ([]LexicalHit, error)
}

// LexicalHit mirrors graphprovider.FullTextHit without importing that
// package, so retrieval does not depend on graphprovider or, through it, on
// the Neo4j driver.
type LexicalHit struct {
	ID    string
	Score float64
}

const defaultRRFK = 60

// HybridBackend is the reference Backend: semantic search against Qdrant
// (via an embedder + VectorSearcher), lexical search against Neo4j's
// full-text index, and hybrid fusion of the two via reciprocal rank fusion.
type HybridBackend struct {
	Embedder Embedder
	Semantic VectorSearcher
	Lexical  LexicalSearcher

	// Logger is optional (nil-safe); see internal/weaviatelog.
	Logger *weaviatelog.Logger
}

func NewHybridBackend(embedder Embedder, semantic VectorSearcher, lexical LexicalSearcher) *HybridBackend {
	return &HybridBackend{Embedder: embedder, Semantic: semantic, Lexical: lexical}
}

func (b *HybridBackend) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := b.search(ctx, req)

	entry := weaviatelog.Entry{
		TimestampUTC: start.UTC(),
		Repository:   req.Repository,
		SnapshotID:   req.SnapshotID,
		SearchType:   string(req.SearchType),
		Query:        req.Query,
		TopK:         req.TopK,
		Filters:      req.Filters,
		HitCount:     len(resp.Hits),
		DurationMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	b.Logger.Log(entry)

	return resp, err
}

func (b *HybridBackend) search(ctx context.Context, req Request) (Response, error) {
	switch req.SearchType {
	case SearchSemantic:
		hits, err := b.searchSemantic(ctx, req)
		if err != nil {
			return Response{}, err
		}
		return Response{Hits: hits}, nil
	case SearchBM25:
		hits, err := b.searchLexical(ctx, req)
		if err != nil {
			return Response{}, err
		}
		return Response{Hits: hits}, nil
	case SearchHybrid:
		semHits, err := b.searchSemantic(ctx, req)
		if err != nil {
			return Response{}, err
		}
		lexHits, err := b.searchLexical(ctx, req)
		if err != nil {
			return Response{}, err
		}
		return Response{Hits: fuseRRF(semHits, lexHits, rrfK(req), req.TopK)}, nil
	default:
		return Response{}, fmt.Errorf("retrieval: unsupported search_type %q", req.SearchType)
	}
}

func (b *HybridBackend) searchSemantic(ctx context.Context, req Request) ([]Hit, error) {
	if b.Embedder == nil || b.Semantic == nil {
		return nil, fmt.Errorf("retrieval: semantic search requested but no embedder/vector store wired")
	}
	embedding, err := b.Embedder.EmbedText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	results, err := b.Semantic.SearchFiltered(ctx, embedding, req.TopK, stringFilter(req.Filters, req.Repository, req.SnapshotID))
	if err != nil {
		return nil, fmt.Errorf("retrieval: semantic search: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for i, r := range results {
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Score), Rank: i + 1})
	}
	return hits, nil
}

func (b *HybridBackend) searchLexical(ctx context.Context, req Request) ([]Hit, error) {
	if b.Lexical == nil {
		return nil, fmt.Errorf("retrieval: bm25 search requested but no lexical index wired")
	}
	results, err := b.Lexical.SearchFullText(ctx, req.Repository, req.SnapshotID, req.Query, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: lexical search: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for i, r := range results {
		hits = append(hits, Hit{ID: r.ID, Score: r.Score, Rank: i + 1})
	}
	return hits, nil
}

// stringFilter projects the merged filter map down to the string-equality
// shape retrievalbackend.VectorStore.SearchFiltered understands, always
// pinning repository/snapshot scope regardless of what the caller passed.
func stringFilter(filters map[string]any, repository, snapshotID string) map[string]string {
	out := map[string]string{}
	for k, v := range filters {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if repository != "" {
		out["repo"] = repository
	}
	if snapshotID != "" {
		out["snapshot_id"] = snapshotID
	}
	return out
}

func rrfK(req Request) int {
	if req.RRFK > 0 {
		return req.RRFK
	}
	return defaultRRFK
}

// fuseRRF combines two ranked hit lists via reciprocal rank fusion,
// score(id) = sum over lists of 1/(k + rank), truncated to topK.
func fuseRRF(a, b []Hit, k, topK int) []Hit {
	scores := map[string]float64{}
	for _, h := range a {
		scores[h.ID] += 1.0 / float64(k+h.Rank)
	}
	for _, h := range b {
		scores[h.ID] += 1.0 / float64(k+h.Rank)
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if topK > 0 && len(ids) > topK {
		ids = ids[:topK]
	}

	out := make([]Hit, len(ids))
	for i, id := range ids {
		out[i] = Hit{ID: id, Score: scores[id], Rank: i + 1}
	}
	return out
}
