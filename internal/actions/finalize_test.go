package actions

import (
	"context"
	"testing"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/convhistory"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

func TestFinalizeTranslatedPrefersTranslatedAnswer(t *testing.T) {
	st := state.New("q", "s")
	st.TranslateChat = true
	st.AnswerNeutral = "neutral answer"
	st.AnswerTranslated = "translated answer"
	st.BannerTranslated = "banner"
	rt := &action.Runtime{}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{"persist_turn": false}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.FinalAnswer != "banner\n\ntranslated answer" {
		t.Fatalf("final_answer = %q", st.FinalAnswer)
	}
	if st.AnswerTranslatedIsFallback {
		t.Fatal("expected no fallback flag when a translation is present")
	}
}

func TestFinalizeTranslatedFallsBackToNeutralWhenNoTranslation(t *testing.T) {
	st := state.New("q", "s")
	st.TranslateChat = true
	st.AnswerNeutral = "neutral answer"
	rt := &action.Runtime{}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{"persist_turn": false}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.FinalAnswer != "neutral answer" {
		t.Fatalf("final_answer = %q, want neutral answer", st.FinalAnswer)
	}
	if !st.AnswerTranslatedIsFallback {
		t.Fatal("expected fallback flag set when translated is empty")
	}
}

func TestFinalizeNeutralModeUsesNeutralBanner(t *testing.T) {
	st := state.New("q", "s")
	st.AnswerNeutral = "the answer"
	st.BannerNeutral = "the banner"
	rt := &action.Runtime{}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{"persist_turn": false}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.FinalAnswer != "the banner\n\nthe answer" {
		t.Fatalf("final_answer = %q", st.FinalAnswer)
	}
}

func TestFinalizeNoBannerOmitsSeparator(t *testing.T) {
	st := state.New("q", "s")
	st.AnswerNeutral = "just the answer"
	rt := &action.Runtime{}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{"persist_turn": false}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.FinalAnswer != "just the answer" {
		t.Fatalf("final_answer = %q", st.FinalAnswer)
	}
}

func TestFinalizeSkipsPersistenceWhenNoHistoryWired(t *testing.T) {
	st := state.New("q", "s")
	st.AnswerNeutral = "answer"
	rt := &action.Runtime{} // History is nil
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// No panic, no request_id minted since history is unwired.
	if st.RequestID != "" {
		t.Fatalf("request_id = %q, want empty when history is unwired", st.RequestID)
	}
}

func TestFinalizePersistsTurnWhenHistoryWired(t *testing.T) {
	st := state.New("what is auth", "sess1")
	st.AnswerNeutral = "use bearer tokens"
	session := convhistory.NewSessionStore(convhistory.NewMemKV(), 50)
	rt := &action.Runtime{History: convhistory.NewService(session, nil)}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.RequestID == "" {
		t.Fatal("expected a request_id to be minted when persisting")
	}

	pairs := rt.History.GetRecentQANeutral(context.Background(), "sess1", 10)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 finalized turn, got %d: %+v", len(pairs), pairs)
	}
	if pairs[0].AnswerNeutral != "use bearer tokens" {
		t.Fatalf("answer_neutral = %q", pairs[0].AnswerNeutral)
	}
}

func TestFinalizePersistTurnFalseSkipsHistoryEvenWhenWired(t *testing.T) {
	st := state.New("q", "sess1")
	st.AnswerNeutral = "answer"
	session := convhistory.NewSessionStore(convhistory.NewMemKV(), 50)
	rt := &action.Runtime{History: convhistory.NewService(session, nil)}
	step := pipelinedef.StepDef{ID: "finalize", Action: "finalize", Raw: map[string]any{"persist_turn": false}}

	if _, err := (Finalize{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	pairs := rt.History.GetRecentQANeutral(context.Background(), "sess1", 10)
	if len(pairs) != 0 {
		t.Fatalf("expected no persisted turns when persist_turn=false, got %d", len(pairs))
	}
}
