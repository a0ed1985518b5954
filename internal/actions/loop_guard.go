package actions

import (
	"context"
	"fmt"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// LoopGuard implements loop_guard: a per-step.id counter in
// state.loop_counters, bounded by settings.max_turn_loops (default 4).
type LoopGuard struct{}

func (LoopGuard) ActionID() string { return "loop_guard" }

func (LoopGuard) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"count": st.LoopCounters[step.ID]}
}

func (LoopGuard) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"count": st.LoopCounters[step.ID], "next": next}
}

func (LoopGuard) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	onAllow, ok := rawString(step.Raw, "on_allow")
	if !ok || onAllow == "" {
		return "", pipelineerr.NewValidationError("on_allow", "", fmt.Errorf("%w: loop_guard requires on_allow", pipelineerr.ErrMissingParam))
	}
	onDeny, ok := rawString(step.Raw, "on_deny")
	if !ok || onDeny == "" {
		return "", pipelineerr.NewValidationError("on_deny", "", fmt.Errorf("%w: loop_guard requires on_deny", pipelineerr.ErrMissingParam))
	}

	limit := settingInt(pipeline, "max_turn_loops", 4)
	if st.LoopCounters == nil {
		st.LoopCounters = map[string]int{}
	}
	count := st.LoopCounters[step.ID]
	st.LoopCounters[step.ID] = count + 1

	if count < limit {
		return onAllow, nil
	}
	return onDeny, nil
}
