package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// ForkAction implements fork_action: initializes state.parallel_roads from
// an ordered snapshot plan and jumps to the configured search_action step
// with state.snapshot_id pointed at the first plan entry.
type ForkAction struct{}

func (ForkAction) ActionID() string { return "fork_action" }

func (ForkAction) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"snapshot_id": st.SnapshotID, "snapshot_id_b": st.SnapshotIDB}
}

func (ForkAction) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"plan_size": len(st.ParallelRoads.Order), "next": next}
}

func (ForkAction) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	searchAction, ok := rawString(step.Raw, "search_action")
	if !ok || searchAction == "" {
		return "", pipelineerr.NewValidationError("search_action", "", fmt.Errorf("%w: fork_action requires search_action", pipelineerr.ErrMissingParam))
	}

	order, snapshots, err := parseSnapshotPlan(step.Raw["snapshots"], st)
	if err != nil {
		return "", err
	}
	if len(order) == 0 {
		return "", pipelineerr.NewValidationError("snapshots", "", fmt.Errorf("%w: fork_action requires a non-empty snapshots plan", pipelineerr.ErrMissingParam))
	}

	friendly := map[string]string{}
	if friendlyRaw, ok := rawMap(step.Raw, "snapshot_friendly_names"); ok {
		for k, v := range friendlyRaw {
			if s, ok := v.(string); ok {
				friendly[k] = s
			}
		}
	}

	st.ParallelRoads = &state.ParallelRoadsState{
		Snapshots:             snapshots,
		Order:                 order,
		Index:                 0,
		SearchStepID:          searchAction,
		ForkStepID:            step.ID,
		OriginalSnapshotID:    st.SnapshotID,
		OriginalSnapshotIDB:   st.SnapshotIDB,
		Results:               map[string][]string{},
		SnapshotFriendlyNames: friendly,
	}
	st.SnapshotID = snapshots[order[0]]

	return searchAction, nil
}

// MergeAction implements merge_action: collects the current node_texts
// under the active plan entry's label, clears retrieval state, advances the
// plan index, and either loops back to search_action for the next snapshot
// or, once every entry has been visited, flattens results in plan order
// into context_blocks and restores the original snapshot ids.
type MergeAction struct{}

func (MergeAction) ActionID() string { return "merge_action" }

func (MergeAction) LogIn(step pipelinedef.StepDef, st *state.State) any {
	idx := -1
	if st.ParallelRoads != nil {
		idx = st.ParallelRoads.Index
	}
	return map[string]any{"index": idx, "node_text_count": len(st.NodeTexts)}
}

func (MergeAction) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"next": next}
}

func (MergeAction) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	onDone, ok := rawString(step.Raw, "on_done")
	if !ok || onDone == "" {
		return "", pipelineerr.NewValidationError("on_done", "", fmt.Errorf("%w: merge_action requires on_done", pipelineerr.ErrMissingParam))
	}
	pr := st.ParallelRoads
	if pr == nil || pr.Index >= len(pr.Order) {
		return "", fmt.Errorf("%w: merge_action called with no active parallel_roads plan", pipelineerr.ErrMissingStep)
	}

	name := pr.Order[pr.Index]
	labelTemplate := rawStringDefault(step.Raw, "label_template", "[{name}]\n")
	label := renderRoadLabel(labelTemplate, name, pr.SnapshotFriendlyNames)

	texts := make([]string, 0, len(st.NodeTexts))
	for _, nt := range st.NodeTexts {
		texts = append(texts, label+nt.Text)
	}
	pr.Results[name] = texts

	st.RetrievalSeedNodes = nil
	st.RetrievalHits = nil
	st.GraphSeedNodes = nil
	st.GraphExpandedNodes = nil
	st.GraphEdges = nil
	st.NodeTexts = nil

	pr.Index++
	if pr.Index >= len(pr.Order) {
		for _, n := range pr.Order {
			st.ContextBlocks = append(st.ContextBlocks, pr.Results[n]...)
		}
		st.SnapshotID = pr.OriginalSnapshotID
		st.SnapshotIDB = pr.OriginalSnapshotIDB
		st.ParallelRoads = nil
		return onDone, nil
	}

	next := pr.Order[pr.Index]
	st.SnapshotID = pr.Snapshots[next]
	return pr.SearchStepID, nil
}

// renderRoadLabel substitutes "{}" and "{name}" in template with name's
// friendly name (falling back to name itself).
func renderRoadLabel(template, name string, friendly map[string]string) string {
	display := name
	if friendly != nil {
		if f, ok := friendly[name]; ok && f != "" {
			display = f
		}
	}
	out := strings.ReplaceAll(template, "{name}", display)
	out = strings.ReplaceAll(out, "{}", display)
	return out
}

// parseSnapshotPlan accepts an ordered list of single-key {label: template}
// maps (canonical — plan order is meaningful) or a label -> template map
// (simpler to author, order not guaranteed). Each template is resolved
// against state: "${snapshot_id}" / "${snapshot_id_b}" reference the
// current primary/secondary snapshot, anything else is used literally.
func parseSnapshotPlan(v any, st *state.State) ([]string, map[string]string, error) {
	order := []string{}
	snapshots := map[string]string{}

	addEntry := func(label string, template any) error {
		s, ok := template.(string)
		if !ok {
			return pipelineerr.NewValidationError("snapshots", label, fmt.Errorf("%w: fork_action snapshot template must be a string", pipelineerr.ErrInvalidParam))
		}
		order = append(order, label)
		snapshots[label] = resolveSnapshotTemplate(s, st)
		return nil
	}

	switch t := v.(type) {
	case []any:
		for _, item := range t {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for label, template := range entry {
				if err := addEntry(label, template); err != nil {
					return nil, nil, err
				}
			}
		}
	case map[string]any:
		for label, template := range t {
			if err := addEntry(label, template); err != nil {
				return nil, nil, err
			}
		}
	}
	return order, snapshots, nil
}

func resolveSnapshotTemplate(template string, st *state.State) string {
	switch template {
	case "${snapshot_id}":
		return st.SnapshotID
	case "${snapshot_id_b}":
		return st.SnapshotIDB
	default:
		return template
	}
}
