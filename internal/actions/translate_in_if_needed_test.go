package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

type fakeTranslator struct {
	out string
	err error
}

func (f *fakeTranslator) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestTranslateInIfNeededPassthroughWhenTranslateChatOff(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = false
	rt := &action.Runtime{Translator: &fakeTranslator{out: "hello"}, ModelLanguage: "fr"}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.UserQuestionEN != "bonjour" {
		t.Fatalf("user_question_en = %q, want passthrough", st.UserQuestionEN)
	}
}

func TestTranslateInIfNeededPassthroughWhenNoTranslatorWired(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = true
	rt := &action.Runtime{ModelLanguage: "fr"}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.UserQuestionEN != "bonjour" {
		t.Fatalf("user_question_en = %q, want passthrough when no translator", st.UserQuestionEN)
	}
}

func TestTranslateInIfNeededPassthroughWhenModelLanguageNeutral(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = true
	rt := &action.Runtime{Translator: &fakeTranslator{out: "hello"}, ModelLanguage: "neutral"}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.UserQuestionEN != "bonjour" {
		t.Fatalf("user_question_en = %q, want passthrough in neutral mode", st.UserQuestionEN)
	}
}

func TestTranslateInIfNeededTranslatesWhenAllConditionsMet(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = true
	rt := &action.Runtime{Translator: &fakeTranslator{out: "hello"}, ModelLanguage: "fr"}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.UserQuestionEN != "hello" {
		t.Fatalf("user_question_en = %q, want hello", st.UserQuestionEN)
	}
}

func TestTranslateInIfNeededTranslatorErrorFallsBackToRawQuery(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = true
	rt := &action.Runtime{Translator: &fakeTranslator{err: errors.New("boom")}, ModelLanguage: "fr"}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, nil, st, rt); err != nil {
		t.Fatalf("expected translator error to be swallowed, got %v", err)
	}
	if st.UserQuestionEN != "bonjour" {
		t.Fatalf("user_question_en = %q, want fallback to raw query", st.UserQuestionEN)
	}
}

func TestTranslateInIfNeededFallsBackToPipelineSettingWhenRuntimeLanguageEmpty(t *testing.T) {
	st := state.New("bonjour", "s")
	st.TranslateChat = true
	rt := &action.Runtime{Translator: &fakeTranslator{out: "hello"}}
	pipeline := &pipelinedef.PipelineDef{Settings: map[string]any{"model_language": "fr"}}
	step := pipelinedef.StepDef{ID: "t", Action: "translate_in_if_needed"}

	if _, err := (TranslateInIfNeeded{}).DoExecute(context.Background(), step, pipeline, st, rt); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.UserQuestionEN != "hello" {
		t.Fatalf("user_question_en = %q, want hello via pipeline setting fallback", st.UserQuestionEN)
	}
}
