package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/modelclient"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// controlTokens are the LLaMA-style instruction tokens that must never
// appear verbatim inside user- or retrieval-controlled text, lest they be
// mistaken for template structure by the model.
var controlTokens = []string{"[/INST]", "[INST]", "<</SYS>>", "<<SYS>>"}

// CallModel implements call_model: resolves a prompt template, renders it
// (or, in native_chat mode, builds a history-based request), invokes
// main_model.ask, and stores the reply in last_model_response.
type CallModel struct{}

func (CallModel) ActionID() string { return "call_model" }

func (CallModel) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{
		"prompt_key":     rawStringDefault(step.Raw, "prompt_key", ""),
		"context_blocks": len(st.ContextBlocks),
	}
}

func (CallModel) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"last_model_response_len": len(st.LastModelResponse)}
}

func (CallModel) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	promptKey, ok := rawString(step.Raw, "prompt_key")
	if !ok || promptKey == "" {
		return "", pipelineerr.NewValidationError("prompt_key", "", fmt.Errorf("%w: call_model requires prompt_key", pipelineerr.ErrMissingParam))
	}

	var sysPrompt string
	if rt.Prompts != nil {
		body, err := rt.Prompts.Load(promptKey)
		if err != nil {
			st.PipelineTraceEvents = append(st.PipelineTraceEvents, state.Event{
				Type:   "ACTION",
				StepID: step.ID,
				Extra:  map[string]any{"prompt_load_error": err.Error()},
			})
		} else {
			sysPrompt = body
		}
	}

	question := st.UserQuestionEN
	if question == "" {
		question = st.UserQuery
	}
	contextBlocks := append(append([]string{}, st.HistoryBlocks...), st.ContextBlocks...)
	contextText := strings.Join(contextBlocks, "\n\n")

	nativeChat := rawBool(step.Raw, "native_chat", false)
	maxOutputTokens := rawIntDefault(step.Raw, "max_output_tokens", settingInt(pipeline, "max_output_tokens", 512))
	model := rawStringDefault(step.Raw, "model", "")
	temperature := rawFloatDefault(step.Raw, "temperature", pipeline.SettingFloat("model_temperature", 0.2))

	req := modelclient.AskRequest{
		Model:       model,
		Temperature: float32(temperature),
		MaxTokens:   int32(maxOutputTokens),
	}

	if nativeChat {
		req.NativeChat = true
		req.SystemPrompt = sysPrompt
		req.Context = contextBlocks
		req.History = toModelDialog(st.HistoryDialog)
		req.Message = escapeControlTokens(question)
	} else {
		req.Prompt = renderInstructPrompt(sysPrompt, contextText, question)
	}

	if rt.Model == nil {
		return "", fmt.Errorf("call_model: no model client configured")
	}
	resp, err := rt.Model.Ask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call_model: ask: %w", err)
	}
	st.LastModelResponse = resp.Reply

	if bannerRaw, ok := rawMap(step.Raw, "custom_banner"); ok {
		st.BannerNeutral = rawStringDefault(bannerRaw, "neutral", "")
		st.BannerTranslated = rawStringDefault(bannerRaw, "translated", "")
	} else if step.Raw["custom_banner"] != nil {
		st.BannerNeutral = ""
		st.BannerTranslated = ""
	}

	return "", nil
}

// renderInstructPrompt builds "[INST]<<SYS>>sys<</SYS>>### Context:\n...\n\n### User:\n...[/INST]",
// escaping control tokens in the user/retrieval-controlled context and
// question segments (sysPrompt is trusted, admin-authored text).
func renderInstructPrompt(sysPrompt, context, question string) string {
	safeContext := escapeControlTokens(context)
	safeQuestion := escapeControlTokens(question)
	return fmt.Sprintf("[INST]<<SYS>>%s<</SYS>>### Context:\n%s\n\n### User:\n%s[/INST]", sysPrompt, safeContext, safeQuestion)
}

func escapeControlTokens(s string) string {
	for _, tok := range controlTokens {
		if strings.Contains(s, tok) {
			// A zero-width space (U+200B, UTF-8 e2 80 8b) after the first
			// character breaks every control token, including [INST] and
			// [/INST], which have only one bracket.
			escaped := tok[:1] + "\xe2\x80\x8b" + tok[1:]
			s = strings.ReplaceAll(s, tok, escaped)
		}
	}
	return s
}

func toModelDialog(turns []state.DialogTurn) []modelclient.DialogTurn {
	out := make([]modelclient.DialogTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, modelclient.DialogTurn{Role: t.Role, Content: t.Content})
	}
	return out
}

func rawFloatDefault(raw map[string]any, key string, fallback float64) float64 {
	if f, ok := rawFloat(raw, key); ok {
		return f
	}
	return fallback
}
