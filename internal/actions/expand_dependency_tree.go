package actions

import (
	"context"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// ExpandDependencyTree implements expand_dependency_tree: BFS-expands from
// retrieval_seed_nodes (falling back to graph_seed_nodes) through the graph
// provider, bounded by max_depth/max_nodes/edge_allowlist.
type ExpandDependencyTree struct{}

func (ExpandDependencyTree) ActionID() string { return "expand_dependency_tree" }

func (ExpandDependencyTree) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{
		"seed_nodes": firstNonEmptySeedSet(st),
	}
}

func (ExpandDependencyTree) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{
		"expanded_count": len(st.GraphExpandedNodes),
		"edge_count":     len(st.GraphEdges),
		"debug":          st.GraphDebug,
	}
}

func (ExpandDependencyTree) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	st.GraphExpandedNodes = nil
	st.GraphEdges = nil
	st.GraphDebug = map[string]any{}

	seeds := firstNonEmptySeedSet(st)
	if len(seeds) == 0 {
		st.GraphDebug["reason"] = "no_seeds"
		return "", nil
	}
	if rt.Graph == nil {
		st.GraphDebug["reason"] = "missing_graph_provider"
		return "", nil
	}

	maxDepth := rawIntDefault(step.Raw, "max_depth_from_settings", settingInt(pipeline, "max_depth", 2))
	maxNodes := rawIntDefault(step.Raw, "max_nodes_from_settings", settingInt(pipeline, "max_nodes", 200))
	allowlist := rawStringSlice(step.Raw, "edge_allowlist_from_settings")
	if len(allowlist) == 0 {
		allowlist = settingStringSlice(pipeline, "edge_allowlist")
	}

	result, err := rt.Graph.Expand(ctx, seeds, maxDepth, maxNodes, allowlist, st.Repository, st.Branch, st.SnapshotID)
	if err != nil {
		return "", err
	}

	st.GraphSeedNodes = seeds
	st.GraphExpandedNodes = result.Nodes
	st.GraphEdges = make([]state.Edge, 0, len(result.Edges))
	for _, e := range result.Edges {
		st.GraphEdges = append(st.GraphEdges, state.Edge{From: e.From, To: e.To, Type: e.Type})
	}
	st.GraphDebug["max_depth"] = maxDepth
	st.GraphDebug["max_nodes"] = maxNodes
	st.GraphDebug["seed_count"] = len(seeds)
	st.GraphDebug["expanded_count"] = len(result.Nodes)

	return "", nil
}

// firstNonEmptySeedSet resolves expand_dependency_tree's seed fallback
// chain: retrieval_seed_nodes, then graph_seed_nodes.
func firstNonEmptySeedSet(st *state.State) []string {
	if len(st.RetrievalSeedNodes) > 0 {
		return st.RetrievalSeedNodes
	}
	if len(st.GraphSeedNodes) > 0 {
		return st.GraphSeedNodes
	}
	return nil
}

func settingStringSlice(pipeline *pipelinedef.PipelineDef, key string) []string {
	if pipeline == nil {
		return nil
	}
	return rawStringSlice(pipeline.Settings, key)
}
