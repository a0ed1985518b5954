package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/jsonish"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// SetVariables implements set_variables: a declarative list of {set, from |
// value, transform} rules applied in order against known state fields (or,
// for names with no dedicated field, state.Variables).
type SetVariables struct{}

func (SetVariables) ActionID() string { return "set_variables" }

func (SetVariables) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"rule_count": len(rawSliceOf(step.Raw, "rules"))}
}

func (SetVariables) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{}
}

func (SetVariables) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	rulesRaw := rawSliceOf(step.Raw, "rules")
	for _, r := range rulesRaw {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if err := applySetVariableRule(st, rule); err != nil {
			return "", err
		}
	}
	return "", nil
}

func applySetVariableRule(st *state.State, rule map[string]any) error {
	setField, _ := rawString(rule, "set")
	if setField == "" {
		return pipelineerr.NewValidationError("set", "", fmt.Errorf("%w: set_variables rule requires set", pipelineerr.ErrMissingParam))
	}
	if strings.Contains(setField, ".") {
		return pipelineerr.NewValidationError("set", setField, fmt.Errorf("%w: set_variables field name must not contain '.'", pipelineerr.ErrInvalidParam))
	}

	fromField, hasFrom := rawString(rule, "from")
	value, hasValue := rule["value"]
	if hasFrom == hasValue {
		return pipelineerr.NewValidationError("from/value", setField, fmt.Errorf("%w: set_variables requires exactly one of from or value", pipelineerr.ErrInvalidParam))
	}

	var input any
	if hasFrom {
		input = getStateField(st, fromField)
	} else {
		input = value
	}

	transform := rawStringDefault(rule, "transform", "copy")
	out, err := applyTransform(transform, input, setField, st)
	if err != nil {
		return err
	}

	setStateField(st, setField, out)
	return nil
}

func applyTransform(transform string, input any, setField string, st *state.State) (any, error) {
	switch transform {
	case "copy":
		return input, nil
	case "to_list":
		return toListTransform(input), nil
	case "split_lines":
		s, _ := input.(string)
		if s == "" {
			return []string{}, nil
		}
		return strings.Split(s, "\n"), nil
	case "parse_json":
		s, _ := input.(string)
		parsed, err := jsonish.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("set_variables: parse_json on %q: %w", setField, err)
		}
		return parsed, nil
	case "to_context_blocks":
		return toContextBlocksTransform(input), nil
	case "clear":
		return clearTransform(getStateField(st, setField)), nil
	default:
		return nil, pipelineerr.NewValidationError("transform", transform, fmt.Errorf("%w: unknown set_variables transform %q", pipelineerr.ErrInvalidParam, transform))
	}
}

func toListTransform(input any) []string {
	if input == nil {
		return []string{}
	}
	switch v := input.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// toContextBlocksTransform normalizes a string or heterogeneous list into a
// flat []string: a non-empty string wraps to a one-element slice; list
// elements that are plain strings pass through; {text: "..."} elements
// contribute their text; anything else (other scalars, other list elements)
// is dropped.
func toContextBlocksTransform(input any) []string {
	switch v := input.(type) {
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			switch item := e.(type) {
			case string:
				out = append(out, item)
			case map[string]any:
				if s, ok := item["text"].(string); ok {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return []string{}
	}
}

// clearTransform resets a value to its zero value while preserving its
// dynamic type (string -> "", []string -> empty slice, map -> empty map,
// bool -> false); any other type becomes nil.
func clearTransform(current any) any {
	switch current.(type) {
	case string:
		return ""
	case []string:
		return []string{}
	case map[string]any:
		return map[string]any{}
	case bool:
		return false
	default:
		return nil
	}
}

func rawSliceOf(raw map[string]any, key string) []any {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

// getStateField reads a known State field by its snake_case name, falling
// back to state.Variables for unrecognized names.
func getStateField(st *state.State, name string) any {
	switch name {
	case "user_query":
		return st.UserQuery
	case "user_question_en":
		return st.UserQuestionEN
	case "last_model_response":
		return st.LastModelResponse
	case "last_prefix":
		return st.LastPrefix
	case "retrieval_mode":
		return st.RetrievalMode
	case "retrieval_query":
		return st.RetrievalQuery
	case "retrieval_filters":
		return st.RetrievalFilters
	case "context_blocks":
		return st.ContextBlocks
	case "history_blocks":
		return st.HistoryBlocks
	case "banner_neutral":
		return st.BannerNeutral
	case "banner_translated":
		return st.BannerTranslated
	case "answer_neutral":
		return st.AnswerNeutral
	case "answer_translated":
		return st.AnswerTranslated
	case "final_answer":
		return st.FinalAnswer
	case "graph_debug":
		return st.GraphDebug
	case "repository":
		return st.Repository
	case "snapshot_id":
		return st.SnapshotID
	case "snapshot_id_b":
		return st.SnapshotIDB
	case "translate_chat":
		return st.TranslateChat
	default:
		if st.Variables == nil {
			return nil
		}
		return st.Variables[name]
	}
}

// setStateField writes a known State field by its snake_case name with a
// best-effort type coercion, falling back to state.Variables for
// unrecognized names.
func setStateField(st *state.State, name string, value any) {
	switch name {
	case "user_question_en":
		st.UserQuestionEN = asString(value)
	case "last_model_response":
		st.LastModelResponse = asString(value)
	case "last_prefix":
		st.LastPrefix = asString(value)
	case "retrieval_mode":
		st.RetrievalMode = asString(value)
	case "retrieval_query":
		st.RetrievalQuery = asString(value)
	case "retrieval_filters":
		if m, ok := value.(map[string]any); ok {
			st.RetrievalFilters = m
		}
	case "context_blocks":
		st.ContextBlocks = asStringSlice(value)
	case "history_blocks":
		st.HistoryBlocks = asStringSlice(value)
	case "banner_neutral":
		st.BannerNeutral = asString(value)
	case "banner_translated":
		st.BannerTranslated = asString(value)
	case "answer_neutral":
		st.AnswerNeutral = asString(value)
	case "answer_translated":
		st.AnswerTranslated = asString(value)
	case "final_answer":
		st.FinalAnswer = asString(value)
	case "graph_debug":
		if m, ok := value.(map[string]any); ok {
			st.GraphDebug = m
		}
	case "repository":
		st.Repository = asString(value)
	case "snapshot_id":
		st.SnapshotID = asString(value)
	case "snapshot_id_b":
		st.SnapshotIDB = asString(value)
	case "translate_chat":
		if b, ok := value.(bool); ok {
			st.TranslateChat = b
		}
	default:
		if st.Variables == nil {
			st.Variables = map[string]any{}
		}
		st.Variables[name] = value
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func asStringSlice(v any) []string {
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
	case nil:
		return nil
	default:
		return nil
	}
}
