package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/compact"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// ManageContextBudget implements manage_context_budget: packs node_texts
// into context_blocks under settings.max_context_tokens, compacting code
// blocks per a per-language policy. Evaluation is transactional — either the
// whole candidate batch fits and is committed, or none of it is and the run
// routes to on_over (or, if the incoming texts alone can never fit, raises
// PIPELINE_BUDGET_MISCONFIG).
type ManageContextBudget struct{}

func (ManageContextBudget) ActionID() string { return "manage_context_budget" }

func (ManageContextBudget) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"node_text_count": len(st.NodeTexts)}
}

func (ManageContextBudget) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"context_block_count": len(st.ContextBlocks), "next": next}
}

func (ManageContextBudget) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	onOK, ok := rawString(step.Raw, "on_ok")
	if !ok || onOK == "" {
		return "", pipelineerr.NewValidationError("on_ok", "", fmt.Errorf("%w: manage_context_budget requires on_ok", pipelineerr.ErrMissingParam))
	}
	onOver, ok := rawString(step.Raw, "on_over")
	if !ok || onOver == "" {
		return "", pipelineerr.NewValidationError("on_over", "", fmt.Errorf("%w: manage_context_budget requires on_over", pipelineerr.ErrMissingParam))
	}

	maxContextTokens := settingInt(pipeline, "max_context_tokens", 0)
	if maxContextTokens <= 0 {
		return "", pipelineerr.NewValidationError("max_context_tokens", "", fmt.Errorf("%w: settings.max_context_tokens must be positive", pipelineerr.ErrBudgetMisconfig))
	}

	rules := parseCompactRules(step.Raw)
	divider := rawStringDefault(step.Raw, "divide_new_content", "")

	demandTopics := map[string]bool{}
	for _, m := range st.InboxLastConsumed {
		demandTopics[m.Topic] = true
	}

	// Token accounting always uses the divider-stripped view of the
	// existing blocks, but state.ContextBlocks itself is only actually
	// rewritten once the batch commits (on_ok branch below) — per the
	// transactional contract, an on_over route must leave it untouched.
	existingText := strings.Join(stripDividerAll(st.ContextBlocks, divider), "\n")
	existingTokens := countTokens(existingText, rt)

	var (
		candidates     []string
		decisions      []map[string]any
		candidateTotal int
	)
	for _, nt := range st.NodeTexts {
		lang := compact.Classify(nt.Path, nt.Text)
		tokensRaw := countTokens(nt.Text, rt)
		rule, found := compact.RuleFor(rules, lang)
		demandSatisfied := found && rule.Policy == compact.PolicyDemand && demandTopics[rule.InboxKey]

		text := nt.Text
		compacted := false
		if compact.ShouldCompact(rule, found, tokensRaw, maxContextTokens, demandSatisfied) {
			out, ok, err := compact.Dispatch(ctx, rt.Compactors, lang, nt.Text)
			if err != nil {
				return "", fmt.Errorf("manage_context_budget: compaction: %w", err)
			}
			if ok {
				text = out
				compacted = true
			}
		}

		block := formatNodeBlock(nt, lang, compacted, text)
		blockTokens := countTokens(block, rt)
		candidates = append(candidates, block)
		candidateTotal += blockTokens

		decisions = append(decisions, map[string]any{
			"id":           nt.ID,
			"language":     string(lang),
			"compact":      compacted,
			"tokens_raw":   tokensRaw,
			"tokens_block": blockTokens,
		})
	}

	outcome := "ok"
	var nextStep string
	if existingTokens+candidateTotal > maxContextTokens {
		if candidateTotal > maxContextTokens {
			emitBudgetTrace(st, step.ID, existingTokens, candidateTotal, "misconfigured", decisions)
			return "", fmt.Errorf("%w: incoming node texts alone (%d tokens) exceed max_context_tokens (%d)", pipelineerr.ErrBudgetMisconfig, candidateTotal, maxContextTokens)
		}
		outcome = "over"
		nextStep = onOver
		for _, m := range st.InboxLastConsumed {
			_ = st.EnqueueMessage(step.ID, m.Topic, m.Payload, m.SenderStepID)
		}
	} else {
		if divider != "" {
			st.ContextBlocks = stripDividerAll(st.ContextBlocks, divider)
			if len(candidates) > 0 {
				candidates[0] = divider + candidates[0]
			}
		}
		st.ContextBlocks = append(st.ContextBlocks, candidates...)
		st.NodeTexts = nil
		nextStep = onOK
	}

	emitBudgetTrace(st, step.ID, existingTokens, candidateTotal, outcome, decisions)
	return nextStep, nil
}

// stripDividerAll returns a copy of blocks with any leading divider marker
// removed from each entry. A no-op (returns blocks itself) when divider is
// empty, since callers use this both for read-only token accounting and,
// separately, for the one in-place rewrite on commit.
func stripDividerAll(blocks []string, divider string) []string {
	if divider == "" {
		return blocks
	}
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = strings.TrimPrefix(b, divider)
	}
	return out
}

func formatNodeBlock(nt state.NodeText, lang compact.Language, compacted bool, text string) string {
	return fmt.Sprintf("--- NODE id=%s path=%s language=%s compact=%v ---\n%s", nt.ID, nt.Path, lang, compacted, text)
}

func countTokens(text string, rt *action.Runtime) int {
	if rt != nil && rt.TokenCounter != nil {
		return rt.TokenCounter.Count(text)
	}
	return len(text) / 4
}

func emitBudgetTrace(st *state.State, stepID string, existingTokens, candidateTokens int, outcome string, decisions []map[string]any) {
	st.PipelineTraceEvents = append(st.PipelineTraceEvents, state.Event{
		Type:   "MANAGE_CONTEXT_BUDGET",
		StepID: stepID,
		Extra: map[string]any{
			"existing_tokens":   existingTokens,
			"candidate_tokens":  candidateTokens,
			"outcome":           outcome,
			"node_decisions":    decisions,
		},
	})
}

func parseCompactRules(raw map[string]any) []compact.Rule {
	compactCode, ok := rawMap(raw, "compact_code")
	if !ok {
		return nil
	}
	rulesRaw, ok := compactCode["rules"].([]any)
	if !ok {
		return nil
	}
	rules := make([]compact.Rule, 0, len(rulesRaw))
	for _, r := range rulesRaw {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lang, _ := rawString(entry, "language")
		policy, _ := rawString(entry, "policy")
		threshold, _ := rawFloat(entry, "threshold")
		inboxKey := rawStringDefault(entry, "inbox_key", "")
		rules = append(rules, compact.Rule{
			Language:  compact.Language(lang),
			Policy:    compact.Policy(policy),
			Threshold: threshold,
			InboxKey:  inboxKey,
		})
	}
	return rules
}
