package actions

import (
	"context"
	"fmt"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

const defaultHistoryLimit = 30

// LoadConversationHistory implements load_conversation_history: fetches
// recent finalized (question, answer) pairs from the conversation history
// service and populates history_dialog / history_blocks. A history-service
// failure is non-fatal — state is emptied rather than propagated.
type LoadConversationHistory struct{}

func (LoadConversationHistory) ActionID() string { return "load_conversation_history" }

func (LoadConversationHistory) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"session_id": st.SessionID}
}

func (LoadConversationHistory) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"history_blocks": len(st.HistoryBlocks), "history_dialog": len(st.HistoryDialog)}
}

func (LoadConversationHistory) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	limit := rawIntDefault(step.Raw, "history_limit", defaultHistoryLimit)

	st.HistoryDialog = nil
	st.HistoryBlocks = nil

	if rt.History == nil {
		return "", nil
	}

	pairs := rt.History.GetRecentQANeutral(ctx, st.SessionID, limit)
	for _, p := range pairs {
		st.HistoryDialog = append(st.HistoryDialog,
			state.DialogTurn{Role: "user", Content: p.QuestionNeutral},
			state.DialogTurn{Role: "assistant", Content: p.AnswerNeutral},
		)
		st.HistoryBlocks = append(st.HistoryBlocks,
			fmt.Sprintf("User asked: %s", p.QuestionNeutral),
			fmt.Sprintf("Final answer: %s", p.AnswerNeutral),
		)
	}
	return "", nil
}
