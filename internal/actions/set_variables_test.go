package actions

import (
	"context"
	"testing"

	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

func stepWithRules(rules ...map[string]any) pipelinedef.StepDef {
	raw := make([]any, len(rules))
	for i, r := range rules {
		raw[i] = r
	}
	return pipelinedef.StepDef{ID: "s", Action: "set_variables", Raw: map[string]any{"rules": raw}}
}

func TestSetVariablesCopyFromKnownField(t *testing.T) {
	st := state.New("hello", "sess1")
	step := stepWithRules(map[string]any{"set": "retrieval_query", "from": "user_query"})

	next, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != "" {
		t.Fatalf("expected no next override, got %q", next)
	}
	if st.RetrievalQuery != "hello" {
		t.Fatalf("retrieval_query = %q, want %q", st.RetrievalQuery, "hello")
	}
}

func TestSetVariablesLiteralValueToUnknownFieldGoesToVariables(t *testing.T) {
	st := state.New("q", "s")
	step := stepWithRules(map[string]any{"set": "custom_flag", "value": true})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.Variables["custom_flag"] != true {
		t.Fatalf("expected custom_flag=true in Variables, got %+v", st.Variables)
	}
}

func TestSetVariablesMissingSetFieldErrors(t *testing.T) {
	st := state.New("q", "s")
	step := stepWithRules(map[string]any{"value": "x"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err == nil {
		t.Fatal("expected error for missing set field")
	}
}

func TestSetVariablesDottedFieldNameRejected(t *testing.T) {
	st := state.New("q", "s")
	step := stepWithRules(map[string]any{"set": "a.b", "value": "x"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err == nil {
		t.Fatal("expected error for dotted field name")
	}
}

func TestSetVariablesRequiresExactlyOneOfFromOrValue(t *testing.T) {
	st := state.New("q", "s")

	both := stepWithRules(map[string]any{"set": "x", "from": "user_query", "value": "y"})
	if _, err := (SetVariables{}).DoExecute(context.Background(), both, nil, st, nil); err == nil {
		t.Fatal("expected error when both from and value are set")
	}

	neither := stepWithRules(map[string]any{"set": "x"})
	if _, err := (SetVariables{}).DoExecute(context.Background(), neither, nil, st, nil); err == nil {
		t.Fatal("expected error when neither from nor value is set")
	}
}

func TestSetVariablesSplitLinesTransform(t *testing.T) {
	st := state.New("q", "s")
	st.Variables["src"] = "a\nb\nc"
	step := stepWithRules(map[string]any{"set": "history_blocks", "from": "src", "transform": "split_lines"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(st.HistoryBlocks) != 3 || st.HistoryBlocks[0] != want[0] || st.HistoryBlocks[2] != want[2] {
		t.Fatalf("history_blocks = %+v, want %+v", st.HistoryBlocks, want)
	}
}

func TestSetVariablesToContextBlocksTransform(t *testing.T) {
	st := state.New("q", "s")
	st.Variables["src"] = []any{"plain", map[string]any{"text": "wrapped"}, 42}
	step := stepWithRules(map[string]any{"set": "context_blocks", "from": "src", "transform": "to_context_blocks"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"plain", "wrapped"}
	if len(st.ContextBlocks) != 2 || st.ContextBlocks[0] != want[0] || st.ContextBlocks[1] != want[1] {
		t.Fatalf("context_blocks = %+v, want %+v", st.ContextBlocks, want)
	}
}

func TestSetVariablesClearTransformPreservesType(t *testing.T) {
	st := state.New("q", "s")
	st.AnswerNeutral = "something"
	step := stepWithRules(map[string]any{"set": "answer_neutral", "value": nil, "transform": "clear"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.AnswerNeutral != "" {
		t.Fatalf("expected answer_neutral cleared to empty string, got %q", st.AnswerNeutral)
	}
}

func TestSetVariablesUnknownTransformErrors(t *testing.T) {
	st := state.New("q", "s")
	step := stepWithRules(map[string]any{"set": "x", "value": "y", "transform": "bogus"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err == nil {
		t.Fatal("expected error for unknown transform")
	}
}

func TestSetVariablesParseJSONTransform(t *testing.T) {
	st := state.New("q", "s")
	st.Variables["src"] = `{"a":1}`
	step := stepWithRules(map[string]any{"set": "parsed", "from": "src", "transform": "parse_json"})

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := st.Variables["parsed"].(map[string]any)
	if !ok {
		t.Fatalf("expected parsed to be a map, got %T", st.Variables["parsed"])
	}
	if m["a"] != float64(1) {
		t.Fatalf("parsed[a] = %v, want 1", m["a"])
	}
}

func TestSetVariablesMultipleRulesAppliedInOrder(t *testing.T) {
	st := state.New("q", "s")
	step := stepWithRules(
		map[string]any{"set": "last_prefix", "value": "first"},
		map[string]any{"set": "last_prefix", "value": "second"},
	)

	if _, err := (SetVariables{}).DoExecute(context.Background(), step, nil, st, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.LastPrefix != "second" {
		t.Fatalf("last_prefix = %q, want %q (rules should apply in order)", st.LastPrefix, "second")
	}
}
