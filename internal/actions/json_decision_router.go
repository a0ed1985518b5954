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

// JSONDecisionRouter implements json_decision_router: tolerantly parses
// last_model_response, reads the decision from decision|route|mode (in that
// priority order), removes those keys, writes the compact remainder back to
// last_model_response, and routes to routes[decision] or on_other.
type JSONDecisionRouter struct{}

func (JSONDecisionRouter) ActionID() string { return "json_decision_router" }

func (JSONDecisionRouter) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"last_model_response": st.LastModelResponse}
}

func (JSONDecisionRouter) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"last_model_response": st.LastModelResponse, "next": next}
}

var decisionKeys = []string{"decision", "route", "mode"}

func (JSONDecisionRouter) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	routes, ok := rawMap(step.Raw, "routes")
	if !ok || len(routes) == 0 {
		return "", pipelineerr.NewValidationError("routes", "", fmt.Errorf("%w: json_decision_router requires a non-empty routes map", pipelineerr.ErrMissingParam))
	}
	onOther, ok := rawString(step.Raw, "on_other")
	if !ok || onOther == "" {
		return "", pipelineerr.NewValidationError("on_other", "", fmt.Errorf("%w: json_decision_router requires on_other", pipelineerr.ErrMissingParam))
	}

	parsed, err := jsonish.Parse(st.LastModelResponse)
	if err != nil {
		return onOther, nil
	}

	var decision string
	for _, key := range decisionKeys {
		if v, ok := parsed[key]; ok {
			if s, ok := v.(string); ok {
				decision = s
			}
			delete(parsed, key)
			break
		}
	}

	st.LastModelResponse = jsonish.Serialize(parsed)

	if decision == "" {
		return onOther, nil
	}
	if next, ok := rawString(routes, decision); ok && next != "" {
		return next, nil
	}
	return onOther, nil
}
