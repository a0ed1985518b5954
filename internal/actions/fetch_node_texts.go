package actions

import (
	"context"
	"sort"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// FetchNodeTexts implements fetch_node_texts: orders the candidate node id
// set per the configured prioritization mode, then fetches node bodies from
// the graph provider under a char or token budget, skipping (never
// truncating) any candidate that would overflow.
type FetchNodeTexts struct{}

func (FetchNodeTexts) ActionID() string { return "fetch_node_texts" }

func (FetchNodeTexts) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{
		"seed_count":     len(st.RetrievalSeedNodes),
		"expanded_count": len(st.GraphExpandedNodes),
	}
}

func (FetchNodeTexts) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"node_text_count": len(st.NodeTexts)}
}

func (FetchNodeTexts) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	st.NodeTexts = nil

	ordered := orderNodeIDs(step, st)
	if rt.Graph == nil || len(ordered) == 0 {
		if st.GraphDebug == nil {
			st.GraphDebug = map[string]any{}
		}
		if rt.Graph == nil {
			st.GraphDebug["fetch_node_texts_reason"] = "missing_graph_provider"
		} else {
			st.GraphDebug["fetch_node_texts_reason"] = "no_node_ids"
		}
		return "", nil
	}

	maxChars := rawIntDefault(step.Raw, "max_chars", 50000)
	budgetTokens, hasBudget := rawInt(step.Raw, "budget_tokens")

	fetched, err := rt.Graph.FetchNodeTexts(ctx, ordered, st.Repository, st.Branch, st.SnapshotID, maxChars)
	if err != nil {
		return "", err
	}

	byID := make(map[string]string, len(fetched))
	for _, nt := range fetched {
		byID[nt.ID] = nt.Text
	}

	var (
		accepted     []state.NodeText
		charBudget   = maxChars
		tokenBudget  = budgetTokens
		usedChars    int
		usedTokens   int
	)
	for _, id := range ordered {
		text, ok := byID[id]
		if !ok {
			continue
		}
		if hasBudget {
			cost := estimateTokens(text, rt)
			if usedTokens+cost > tokenBudget {
				continue
			}
			usedTokens += cost
		} else {
			if usedChars+len(text) > charBudget {
				continue
			}
			usedChars += len(text)
		}
		accepted = append(accepted, state.NodeText{ID: id, Text: text})
	}

	st.NodeTexts = accepted
	return "", nil
}

func estimateTokens(text string, rt *action.Runtime) int {
	if rt != nil && rt.TokenCounter != nil {
		return rt.TokenCounter.Count(text)
	}
	return len(text) / 4
}

// orderNodeIDs implements the prioritization modes: seed_first (default:
// seeds in seed order, then graph-only nodes by BFS depth then id) and
// balanced (seeds interleaved with those graph-only nodes). graph_first is
// accepted but produces the same order as seed_first; graph-only nodes are
// not grouped under the seed they descend from.
func orderNodeIDs(step pipelinedef.StepDef, st *state.State) []string {
	mode := rawStringDefault(step.Raw, "prioritization", "seed_first")
	seeds := st.RetrievalSeedNodes
	seedSet := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedSet[s] = true
	}

	graphOnly := make([]string, 0, len(st.GraphExpandedNodes))
	for _, n := range st.GraphExpandedNodes {
		if !seedSet[n] {
			graphOnly = append(graphOnly, n)
		}
	}
	depth := graphDepthByID(st)
	sort.SliceStable(graphOnly, func(i, j int) bool {
		di, dj := depth[graphOnly[i]], depth[graphOnly[j]]
		if di != dj {
			return di < dj
		}
		return graphOnly[i] < graphOnly[j]
	})

	switch mode {
	case "graph_first":
		out := append([]string{}, seeds...)
		out = append(out, graphOnly...)
		return out
	case "balanced":
		return interleave(seeds, graphOnly)
	default: // seed_first
		out := append([]string{}, seeds...)
		out = append(out, graphOnly...)
		return out
	}
}

// graphDepthByID derives a BFS depth for every expanded node from graph_edges,
// rooted at the seed set; nodes unreachable from any seed get depth 0.
func graphDepthByID(st *state.State) map[string]int {
	depth := map[string]int{}
	for _, s := range st.RetrievalSeedNodes {
		depth[s] = 0
	}
	adjacency := map[string][]string{}
	for _, e := range st.GraphEdges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		adjacency[e.To] = append(adjacency[e.To], e.From)
	}
	queue := append([]string{}, st.RetrievalSeedNodes...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if _, seen := depth[next]; !seen {
				depth[next] = depth[cur] + 1
				queue = append(queue, next)
			}
		}
	}
	return depth
}

func interleave(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if i < len(a) {
			out = append(out, a[i])
			i++
		}
		if j < len(b) {
			out = append(out, b[j])
			j++
		}
	}
	return out
}
