package actions

import (
	"context"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// TranslateInIfNeeded implements translate_in_if_needed: translates
// user_query to user_question_en when translate_chat is set, a translator
// is configured, and settings.model_language != "neutral". It never errors
// on a missing translator in neutral mode; in that case (and whenever
// translation is skipped) user_question_en simply passes the query through.
type TranslateInIfNeeded struct{}

func (TranslateInIfNeeded) ActionID() string { return "translate_in_if_needed" }

func (TranslateInIfNeeded) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"translate_chat": st.TranslateChat, "user_query": st.UserQuery}
}

func (TranslateInIfNeeded) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"user_question_en": st.UserQuestionEN}
}

func (TranslateInIfNeeded) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	modelLanguage := rt.ModelLanguage
	if modelLanguage == "" {
		modelLanguage = settingString(pipeline, "model_language", "neutral")
	}

	if !st.TranslateChat || rt.Translator == nil || modelLanguage == "neutral" {
		st.UserQuestionEN = st.UserQuery
		return "", nil
	}

	translated, err := rt.Translator.Translate(ctx, st.UserQuery, "en")
	if err != nil {
		// Translation is an external-collaborator best-effort concern for
		// this step; fall back to the raw query rather than failing the run.
		st.UserQuestionEN = st.UserQuery
		return "", nil
	}
	st.UserQuestionEN = translated
	return "", nil
}
