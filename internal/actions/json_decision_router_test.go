package actions

import (
	"context"
	"strings"
	"testing"

	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

func jsonRouterStep(routes map[string]any, onOther string) pipelinedef.StepDef {
	raw := map[string]any{"routes": routes}
	if onOther != "" {
		raw["on_other"] = onOther
	}
	return pipelinedef.StepDef{ID: "route", Action: "json_decision_router", Raw: raw}
}

func TestJSONDecisionRouterRoutesOnDecisionKey(t *testing.T) {
	st := state.New("q", "s")
	st.LastModelResponse = `{"decision": "search", "query": "foo"}`
	step := jsonRouterStep(map[string]any{"search": "do_search"}, "fallback")

	next, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != "do_search" {
		t.Fatalf("next = %q, want do_search", next)
	}
	if strings.Contains(st.LastModelResponse, "decision") {
		t.Fatalf("expected decision key stripped from remainder, got %q", st.LastModelResponse)
	}
	if !strings.Contains(st.LastModelResponse, "foo") {
		t.Fatalf("expected other keys preserved, got %q", st.LastModelResponse)
	}
}

func TestJSONDecisionRouterKeyPriorityOrder(t *testing.T) {
	st := state.New("q", "s")
	st.LastModelResponse = `{"route": "b", "mode": "c"}`
	step := jsonRouterStep(map[string]any{"b": "to_b", "c": "to_c"}, "fallback")

	next, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != "to_b" {
		t.Fatalf("next = %q, want to_b (route takes priority over mode)", next)
	}
}

func TestJSONDecisionRouterUnparsableGoesToOnOther(t *testing.T) {
	st := state.New("q", "s")
	st.LastModelResponse = `not json at all {{{`
	step := jsonRouterStep(map[string]any{"a": "to_a"}, "fallback")

	next, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != "fallback" {
		t.Fatalf("next = %q, want fallback", next)
	}
}

func TestJSONDecisionRouterUnknownDecisionGoesToOnOther(t *testing.T) {
	st := state.New("q", "s")
	st.LastModelResponse = `{"decision": "nope"}`
	step := jsonRouterStep(map[string]any{"a": "to_a"}, "fallback")

	next, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != "fallback" {
		t.Fatalf("next = %q, want fallback", next)
	}
}

func TestJSONDecisionRouterMissingRoutesErrors(t *testing.T) {
	st := state.New("q", "s")
	step := jsonRouterStep(nil, "fallback")

	if _, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil); err == nil {
		t.Fatal("expected error for missing routes")
	}
}

func TestJSONDecisionRouterMissingOnOtherErrors(t *testing.T) {
	st := state.New("q", "s")
	step := jsonRouterStep(map[string]any{"a": "to_a"}, "")

	if _, err := (JSONDecisionRouter{}).DoExecute(context.Background(), step, nil, st, nil); err == nil {
		t.Fatal("expected error for missing on_other")
	}
}
