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

// PrefixRouter implements prefix_router: matches last_model_response's
// (left-trimmed) text against the first configured prefix, in declaration
// order. On a match it strips the prefix, stores the remainder back into
// last_model_response, records last_prefix, and routes to that prefix's
// next step. On no match it leaves the text untouched (besides the
// implicit left-trim), sets last_prefix to "", and routes to on_other.
type PrefixRouter struct{}

func (PrefixRouter) ActionID() string { return "prefix_router" }

func (PrefixRouter) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"last_model_response": st.LastModelResponse}
}

func (PrefixRouter) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"last_prefix": st.LastPrefix, "next": next}
}

type prefixRoute struct {
	kind   string
	prefix string
	next   string
}

func (PrefixRouter) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	routes, err := parsePrefixRoutes(step.Raw["routes"])
	if err != nil {
		return "", err
	}
	if len(routes) == 0 {
		return "", pipelineerr.NewValidationError("routes", "", fmt.Errorf("%w: prefix_router requires a non-empty routes map", pipelineerr.ErrMissingParam))
	}
	onOther, ok := rawString(step.Raw, "on_other")
	if !ok || onOther == "" {
		return "", pipelineerr.NewValidationError("on_other", "", fmt.Errorf("%w: prefix_router requires on_other", pipelineerr.ErrMissingParam))
	}

	trimmed := strings.TrimLeft(st.LastModelResponse, " \t\r\n")
	for _, r := range routes {
		if strings.HasPrefix(trimmed, r.prefix) {
			st.LastPrefix = r.kind
			st.LastModelResponse = strings.TrimPrefix(trimmed, r.prefix)
			return r.next, nil
		}
	}

	st.LastPrefix = ""
	st.LastModelResponse = trimmed
	return onOther, nil
}

// parsePrefixRoutes accepts two equivalent YAML shapes for routes: a list
// of {kind, prefix, next} entries (declaration order preserved — the
// canonical form, since prefix matching is first-match-wins) or a
// kind -> {prefix, next} map (simpler to author, but Go map iteration does
// not guarantee declaration order is preserved — use the list form when
// prefix ordering matters).
func parsePrefixRoutes(v any) ([]prefixRoute, error) {
	switch t := v.(type) {
	case []any:
		routes := make([]prefixRoute, 0, len(t))
		for _, item := range t {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			kind, _ := rawString(entry, "kind")
			prefix, _ := rawString(entry, "prefix")
			next, _ := rawString(entry, "next")
			if prefix == "" || next == "" {
				return nil, pipelineerr.NewValidationError("routes", kind, fmt.Errorf("%w: prefix_router route %q requires non-empty prefix and next", pipelineerr.ErrMissingParam, kind))
			}
			routes = append(routes, prefixRoute{kind: kind, prefix: prefix, next: next})
		}
		return routes, nil
	case map[string]any:
		routes := make([]prefixRoute, 0, len(t))
		for kind, raw := range t {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			prefix, _ := rawString(entry, "prefix")
			next, _ := rawString(entry, "next")
			if prefix == "" || next == "" {
				return nil, pipelineerr.NewValidationError("routes."+kind, "", fmt.Errorf("%w: prefix_router route %q requires non-empty prefix and next", pipelineerr.ErrMissingParam, kind))
			}
			routes = append(routes, prefixRoute{kind: kind, prefix: prefix, next: next})
		}
		return routes, nil
	default:
		return nil, nil
	}
}
