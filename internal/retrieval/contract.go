// Package retrieval defines the retrieval backend protocol: the search
// request/response shape and the sacred-filter merge semantics. The
// reference Backend, HybridBackend (Qdrant semantic search plus Neo4j
// full-text search fused by reciprocal rank), lives in hybrid.go; other
// backends satisfy the same Backend interface.
package retrieval

import "context"

// SearchType enumerates the supported retrieval strategies.
type SearchType string

const (
	SearchSemantic SearchType = "semantic"
	SearchBM25     SearchType = "bm25"
	SearchHybrid   SearchType = "hybrid"
)

// Rerank enumerates the supported post-search reranking strategies.
type Rerank string

const (
	RerankNone           Rerank = "none"
	RerankKeyword        Rerank = "keyword_rerank"
	RerankCodeBERT       Rerank = "codebert_rerank" // reserved, unimplemented
)

// Request is the SearchRequest sent to a retrieval backend.
type Request struct {
	SearchType    SearchType
	Query         string
	TopK          int
	Repository    string
	SnapshotID    string
	SnapshotSetID string
	Filters       map[string]any
	RRFK          int
	BM25Operator  string
}

// Hit is a single retrieval result.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

// Response wraps the ordered hit list returned by a backend.
type Response struct {
	Hits []Hit
}

// Backend is the retrieval backend protocol. Implementations must honor
// Filters (repo + snapshot scope are mandatory) and must never relax
// security-origin filter keys.
type Backend interface {
	Search(ctx context.Context, req Request) (Response, error)
}

// SnapshotSetChecker verifies snapshot-set membership for search_nodes'
// optional snapshot-set security check. A nil checker on Runtime skips the
// check entirely (snapshot_set_id is then advisory-only).
type SnapshotSetChecker interface {
	AllowedSnapshots(ctx context.Context, snapshotSetID string) ([]string, error)
}

// Filters separates the sacred base layer (computed from state + settings —
// repository, snapshot scope, tenant/owner/group) from model-parsed input.
// Merge is total and documents precedence: parsed values are overlaid first,
// then base values are applied on top so base always wins on key collision.
// acl_tags_any / classification_labels_all are unioned across base and
// step-level narrowing instead of simple overwrite.
type Filters struct {
	Base   map[string]any
	Parsed map[string]any
}

// unionKeys are filter keys whose base and parsed/narrowing values are
// combined via set union instead of base-wins overwrite.
var unionKeys = map[string]bool{
	"acl_tags_any":              true,
	"classification_labels_all": true,
}

// Merge produces the final filter map: parsed keys first, base keys
// overlaid on top (base wins), except for unionKeys which are combined.
func Merge(base, parsed map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(parsed))
	for k, v := range parsed {
		out[k] = v
	}
	for k, bv := range base {
		if unionKeys[k] {
			if pv, ok := out[k]; ok {
				out[k] = unionAny(pv, bv)
				continue
			}
		}
		out[k] = bv
	}
	return out
}

// unionAny concatenates two []any/[]string-ish values, deduplicating by
// string representation, preserving first-seen order (parsed then base).
func unionAny(a, b any) []string {
	seen := map[string]bool{}
	var out []string
	add := func(v any) {
		for _, s := range toStringSlice(v) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	add(a)
	add(b)
	return out
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}
