package actions

import (
	"context"
	"fmt"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/jsonish"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// RepeatQueryGuard implements repeat_query_guard: parses the extracted
// query from last_model_response with the configured parser (jsonish by
// default), normalizes it, and routes to on_repeat if it is empty or
// already present in retrieval_queries_asked_norm, else on_ok. It does not
// itself add to history — search_nodes does that once the query actually
// runs.
type RepeatQueryGuard struct{}

func (RepeatQueryGuard) ActionID() string { return "repeat_query_guard" }

func (RepeatQueryGuard) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"last_model_response": st.LastModelResponse}
}

func (RepeatQueryGuard) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"next": next}
}

func (RepeatQueryGuard) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	onRepeat, ok := rawString(step.Raw, "on_repeat")
	if !ok || onRepeat == "" {
		return "", pipelineerr.NewValidationError("on_repeat", "", fmt.Errorf("%w: repeat_query_guard requires on_repeat", pipelineerr.ErrMissingParam))
	}
	onOK, ok := rawString(step.Raw, "on_ok")
	if !ok || onOK == "" {
		return "", pipelineerr.NewValidationError("on_ok", "", fmt.Errorf("%w: repeat_query_guard requires on_ok", pipelineerr.ErrMissingParam))
	}

	queryKey := rawStringDefault(step.Raw, "query_key", "query")

	payload := st.LastModelResponse
	for _, m := range st.InboxLastConsumed {
		if s, ok := m.Payload.(string); ok && s != "" {
			payload = s
		}
	}

	parsed, err := jsonish.Parse(payload)
	var query string
	if err == nil {
		if s, ok := parsed[queryKey].(string); ok {
			query = s
		}
	}
	if query == "" {
		// Not JSON-shaped (or missing the key) — treat the whole payload as
		// the literal query text.
		query = payload
	}

	if query == "" || st.QueryAlreadyAsked(query) {
		return onRepeat, nil
	}
	return onOK, nil
}
