package actions

import (
	"context"

	"github.com/google/uuid"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/convhistory"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// Finalize implements finalize: materializes the user-visible answer from
// the banner/answer pair (translated, when translate_chat is set, falling
// back to neutral when no translation landed) and, unless raw.persist_turn
// is false, persists the turn to the conversation history service. A
// history write failure is logged and swallowed — it never fails the run.
type Finalize struct{}

func (Finalize) ActionID() string { return "finalize" }

func (Finalize) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{
		"translate_chat": st.TranslateChat,
		"answer_neutral_len": len(st.AnswerNeutral),
	}
}

func (Finalize) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"final_answer_len": len(st.FinalAnswer)}
}

func (Finalize) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	if st.TranslateChat {
		answerTranslated := st.AnswerTranslated
		if answerTranslated == "" {
			answerTranslated = st.AnswerNeutral
			st.AnswerTranslatedIsFallback = true
		}
		text := answerTranslated
		if st.BannerTranslated != "" {
			text = st.BannerTranslated + "\n\n" + text
		}
		st.FinalAnswer = text
	} else {
		text := st.AnswerNeutral
		if st.BannerNeutral != "" {
			text = st.BannerNeutral + "\n\n" + text
		}
		st.FinalAnswer = text
	}

	persistTurn := rawBool(step.Raw, "persist_turn", true)
	if !persistTurn || rt.History == nil {
		return "", nil
	}

	requestID := st.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
		st.RequestID = requestID
	}

	turnID, err := rt.History.OnRequestStarted(ctx, st.SessionID, requestID, st.UserID, st.UserQuery)
	if err != nil {
		logHistoryFailure(st, step.ID, "on_request_started", err)
		return "", nil
	}

	err = rt.History.OnRequestFinalized(ctx, convhistory.FinalizeInput{
		SessionID:                  st.SessionID,
		RequestID:                  requestID,
		IdentityID:                 st.UserID,
		TurnID:                     turnID,
		AnswerNeutral:              st.AnswerNeutral,
		AnswerTranslated:           st.AnswerTranslated,
		AnswerTranslatedIsFallback: st.AnswerTranslatedIsFallback,
	})
	if err != nil {
		logHistoryFailure(st, step.ID, "on_request_finalized", err)
	}

	return "", nil
}

func logHistoryFailure(st *state.State, stepID, op string, err error) {
	st.PipelineTraceEvents = append(st.PipelineTraceEvents, state.Event{
		Type:   "ACTION",
		StepID: stepID,
		Extra:  map[string]any{"history_write_failure": op, "error": err.Error()},
	})
}
