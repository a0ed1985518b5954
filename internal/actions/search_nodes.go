package actions

import (
	"context"
	"fmt"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/jsonish"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/retrieval"
	"github.com/ragflow/pipeline/internal/state"
)

// reservedQueryMetaKeys are stripped from parsed_filters before they reach
// retrieval.Merge; they steer this action's own resolution instead.
var reservedQueryMetaKeys = []string{"__search_type", "__top_k", "__rrf_k", "__match_operator"}

// SearchNodes implements search_nodes: the ten-step resolution in spec §4.6
// covering payload parsing, search_type/rerank/top_k resolution, sacred
// filter merge, the optional snapshot-set membership check, and the backend
// call itself.
type SearchNodes struct{}

func (SearchNodes) ActionID() string { return "search_nodes" }

func (SearchNodes) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{
		"last_model_response": st.LastModelResponse,
		"snapshot_id":         st.SnapshotID,
		"snapshot_id_b":       st.SnapshotIDB,
	}
}

func (SearchNodes) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{
		"search_type":    st.RetrievalMode,
		"query":          st.RetrievalQuery,
		"hit_count":      len(st.RetrievalHits),
		"seed_count":     len(st.RetrievalSeedNodes),
	}
}

func (SearchNodes) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	// 1. Cleanup retrieval artifacts. context_blocks is untouched.
	st.RetrievalSeedNodes = nil
	st.RetrievalHits = nil
	st.GraphSeedNodes = nil
	st.GraphExpandedNodes = nil
	st.GraphEdges = nil
	st.GraphDebug = map[string]any{}
	st.NodeTexts = nil

	// 2. Parse payload into (query, parsed_filters, meta).
	query, parsedFilters, meta := parseSearchPayload(step.Raw, st.LastModelResponse)

	// 3. Resolve search_type.
	searchType, err := resolveSearchType(step, pipeline, st, meta)
	if err != nil {
		return "", err
	}
	st.RetrievalMode = string(searchType)

	// 4. Resolve rerank.
	rerank, err := resolveRerank(step, searchType)
	if err != nil {
		return "", err
	}

	// 5. Resolve top_k (and rrf_k), honoring payload overrides when allowed.
	topK, err := resolveTopK(step, pipeline, meta)
	if err != nil {
		return "", err
	}
	rrfK := resolveRRFK(step, pipeline, meta)

	requestTopK := topK
	if rerank != retrieval.RerankNone && searchType == retrieval.SearchSemantic {
		widen := settingInt(pipeline, "rerank_widen_factor", 6)
		if widen < 1 {
			widen = 1
		}
		requestTopK = topK * widen
	}

	// 6. Build filters: sacred state filters combined with the computed
	// base, then parsed payload filters overlaid underneath (base wins).
	repository := st.Repository
	if repository == "" {
		return "", fmt.Errorf("%w: search_nodes requires state.repository", pipelineerr.ErrMissingRepository)
	}
	snapshotSource := rawStringDefault(step.Raw, "snapshot_source", "primary")
	snapshotID := st.SnapshotID
	if snapshotSource == "secondary" {
		snapshotID = st.SnapshotIDB
	}
	if snapshotID == "" {
		return "", fmt.Errorf("%w: search_nodes requires a snapshot id for snapshot_source=%s", pipelineerr.ErrMissingSnapshot, snapshotSource)
	}

	computedBase := map[string]any{
		"repo":        repository,
		"snapshot_id": snapshotID,
	}
	for _, k := range []string{"tenant_id", "owner_id", "group_id"} {
		if v, ok := pipeline.Settings[k]; ok {
			computedBase[k] = v
		}
	}
	if tags := rawStringSlice(step.Raw, "acl_tags_any"); len(tags) > 0 {
		computedBase["acl_tags_any"] = tags
	}
	if labels := rawStringSlice(step.Raw, "classification_labels_all"); len(labels) > 0 {
		computedBase["classification_labels_all"] = labels
	}
	if src, ok := rawString(step.Raw, "source_system_id"); ok && src != "" {
		computedBase["source_system_id"] = src
	}

	// Sacred existing filters always win over freshly computed base keys
	// (except union keys, which combine); this keeps security-origin
	// filters from a prior step from ever being narrowed away.
	combinedBase := retrieval.Merge(st.RetrievalFilters, computedBase)
	finalFilters := retrieval.Merge(combinedBase, parsedFilters)
	st.RetrievalFilters = finalFilters

	// 7. Non-empty query required.
	if query == "" {
		return "", pipelineerr.NewValidationError("query", "", fmt.Errorf("%w: search_nodes requires a non-empty query", pipelineerr.ErrInvalidParam))
	}

	// 8. Optional snapshot-set membership check.
	if st.SnapshotSetID != "" && snapshotID != "" && rt.SnapshotSets != nil {
		allowed, err := rt.SnapshotSets.AllowedSnapshots(ctx, st.SnapshotSetID)
		if err != nil {
			return "", fmt.Errorf("search_nodes: snapshot set lookup: %w", err)
		}
		if !containsString(allowed, snapshotID) {
			return "", fmt.Errorf("%w: snapshot %q not in set %q", pipelineerr.ErrSnapshotNotInSet, snapshotID, st.SnapshotSetID)
		}
	}

	bm25Operator := rawStringDefault(step.Raw, "bm25_operator", "")
	if m, ok := meta["__match_operator"].(string); ok && m != "" {
		bm25Operator = m
	}

	req := retrieval.Request{
		SearchType:    searchType,
		Query:         query,
		TopK:          requestTopK,
		Repository:    repository,
		SnapshotID:    snapshotID,
		SnapshotSetID: st.SnapshotSetID,
		Filters:       finalFilters,
		RRFK:          rrfK,
		BM25Operator:  bm25Operator,
	}

	if rt.Retrieval == nil {
		return "", fmt.Errorf("search_nodes: no retrieval backend configured")
	}
	resp, err := rt.Retrieval.Search(ctx, req)
	if err != nil {
		return "", fmt.Errorf("search_nodes: backend search: %w", err)
	}

	hits := resp.Hits
	if len(hits) > topK {
		hits = hits[:topK]
	}

	st.RetrievalQuery = query
	st.RetrievalSeedNodes = make([]string, 0, len(hits))
	st.RetrievalHits = make([]state.Hit, 0, len(hits))
	for _, h := range hits {
		st.RetrievalSeedNodes = append(st.RetrievalSeedNodes, h.ID)
		st.RetrievalHits = append(st.RetrievalHits, state.Hit{ID: h.ID, Score: h.Score, Rank: h.Rank})
	}

	// 10. Record query asked.
	st.RecordQueryAsked(query)

	return "", nil
}

// parseSearchPayload extracts (query, parsed_filters, meta) from the step's
// configured query_parser (default "jsonish"). Reserved meta keys are pulled
// out of the filter map before it reaches retrieval.Merge.
func parseSearchPayload(raw map[string]any, payload string) (string, map[string]any, map[string]any) {
	parserName := rawStringDefault(raw, "query_parser", "jsonish")
	meta := map[string]any{}

	if parserName == "jsonish" {
		parsed, err := jsonish.Parse(payload)
		if err == nil {
			query, _ := parsed["query"].(string)
			delete(parsed, "query")
			for _, k := range reservedQueryMetaKeys {
				if v, ok := parsed[k]; ok {
					meta[k] = v
					delete(parsed, k)
				}
			}
			if query == "" && len(parsed) == 0 {
				// Not a JSON query object — fall through to plain text.
				return payload, map[string]any{}, meta
			}
			return query, parsed, meta
		}
	}

	return payload, map[string]any{}, meta
}

// resolveSearchType implements the auto fallback chain: payload meta →
// state.retrieval_mode (set by an earlier router pass) → last_prefix → step
// default → pipeline default → error.
func resolveSearchType(step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, meta map[string]any) (retrieval.SearchType, error) {
	requested := rawStringDefault(step.Raw, "search_type", "auto")
	if requested != "auto" {
		return validateSearchType(requested)
	}

	if v, ok := meta["__search_type"].(string); ok && v != "" {
		return validateSearchType(v)
	}
	if st.RetrievalMode != "" {
		return validateSearchType(st.RetrievalMode)
	}
	if st.LastPrefix != "" {
		if t, err := validateSearchType(st.LastPrefix); err == nil {
			return t, nil
		}
	}
	if def, ok := rawString(step.Raw, "default_search_type"); ok && def != "" {
		return validateSearchType(def)
	}
	if def := pipeline.SettingString("default_search_type", ""); def != "" {
		return validateSearchType(def)
	}
	return "", pipelineerr.NewValidationError("search_type", "auto", fmt.Errorf("%w: search_nodes could not resolve an auto search_type", pipelineerr.ErrInvalidParam))
}

func validateSearchType(s string) (retrieval.SearchType, error) {
	switch retrieval.SearchType(s) {
	case retrieval.SearchSemantic, retrieval.SearchBM25, retrieval.SearchHybrid:
		return retrieval.SearchType(s), nil
	default:
		return "", pipelineerr.NewValidationError("search_type", s, fmt.Errorf("%w: unknown search_type %q", pipelineerr.ErrInvalidParam, s))
	}
}

func resolveRerank(step pipelinedef.StepDef, searchType retrieval.SearchType) (retrieval.Rerank, error) {
	raw := rawStringDefault(step.Raw, "rerank", string(retrieval.RerankNone))
	rerank := retrieval.Rerank(raw)
	switch rerank {
	case retrieval.RerankNone:
		return rerank, nil
	case retrieval.RerankCodeBERT:
		return "", fmt.Errorf("%w: codebert_rerank", pipelineerr.ErrUnimplementedRerank)
	case retrieval.RerankKeyword:
		if searchType != retrieval.SearchSemantic {
			return "", fmt.Errorf("%w: rerank %q requires search_type=semantic, got %q", pipelineerr.ErrForbiddenRerank, rerank, searchType)
		}
		return rerank, nil
	default:
		return "", pipelineerr.NewValidationError("rerank", raw, fmt.Errorf("%w: unknown rerank %q", pipelineerr.ErrInvalidParam, raw))
	}
}

func resolveTopK(step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, meta map[string]any) (int, error) {
	topK, ok := rawInt(step.Raw, "top_k")
	if !ok {
		fallback := settingInt(pipeline, "top_k", 0)
		if fallback > 0 {
			topK, ok = fallback, true
		}
	}
	if rawBool(step.Raw, "allow_top_k_from_payload", false) {
		if v, mok := metaInt(meta, "__top_k"); mok {
			topK, ok = v, true
		}
	}
	if !ok || topK <= 0 {
		return 0, pipelineerr.NewValidationError("top_k", "", fmt.Errorf("%w: search_nodes requires a positive top_k", pipelineerr.ErrMissingParam))
	}
	return topK, nil
}

func resolveRRFK(step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, meta map[string]any) int {
	rrfK, ok := rawInt(step.Raw, "rrf_k")
	if !ok {
		rrfK = settingInt(pipeline, "rrf_k", 60)
	}
	if rawBool(step.Raw, "allow_rrf_k_from_payload", false) {
		if v, mok := metaInt(meta, "__rrf_k"); mok {
			rrfK = v
		}
	}
	return rrfK
}

func metaInt(meta map[string]any, key string) (int, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
