// Package budget enforces the in-memory token budget contract at pipeline
// load time. It never writes back to the pipeline YAML; it only decides
// whether the loaded definition fits the model's context window and, under
// auto_clamp, how to shrink it until it does.
package budget

import (
	"fmt"

	"github.com/ragflow/pipeline/internal/pipelineerr"
)

// Policy selects what happens when a step's required budget exceeds n_ctx.
type Policy string

const (
	FailFast  Policy = "fail_fast"
	AutoClamp Policy = "auto_clamp"
)

const defaultSafetyMargin = 128

// TokenCounter counts tokens for a rendered string. TiktokenCounter in
// tiktoken.go is the reference implementation; fetch_node_texts and
// manage_context_budget depend on this interface, not on a concrete
// tokenizer.
type TokenCounter interface {
	Count(text string) int
}

// StepRequirement is one call_model step's fixed costs, gathered by the
// loader: its rendered prompt template length (fixed_prompt) plus the
// max_output_tokens it requests.
type StepRequirement struct {
	StepID         string
	FixedPrompt    int
	MaxOutputTokens int
}

// Contract is the resolved, possibly-clamped budget for a loaded pipeline.
type Contract struct {
	NCtx                 int
	MaxContextTokens     int
	MaxHistoryTokens     int
	SafetyMarginTokens   int
	Policy               Policy
	PerStepMaxOutput     map[string]int
}

// Clamp records one adjustment auto_clamp made, and why.
type Clamp struct {
	StepID string
	Field  string
	From   int
	To     int
	Reason string
}

// Result is the outcome of evaluating the contract: the (possibly clamped)
// Contract plus every clamp applied, in application order.
type Result struct {
	Contract Contract
	Clamps   []Clamp
}

// Settings is the raw input gathered from settings.* and per-step
// max_output_tokens before evaluation.
type Settings struct {
	NCtx               int
	MaxContextTokens   int
	MaxHistoryTokens   int
	SafetyMarginTokens int // 0 means "use default"
	Policy             Policy
	UsesHistory        bool
	Steps              []StepRequirement
}

// Evaluate enforces the budget contract described in §4.7: per call_model
// step, fixed_prompt + max_history_tokens + max_context_tokens +
// max_output_tokens + safety_margin must not exceed n_ctx. Under fail_fast
// any violation raises PIPELINE_BUDGET_MISCONFIG; under auto_clamp the
// global max_context_tokens is clamped first (to the minimum allowed across
// all call_model steps), then, if still insufficient, each step's
// max_output_tokens is clamped individually. If neither clamp produces a
// usable allowance (allowed_out <= 0), it raises.
func Evaluate(s Settings) (Result, error) {
	if s.NCtx <= 0 {
		return Result{}, pipelineerr.NewValidationError("n_ctx", fmt.Sprint(s.NCtx), pipelineerr.ErrBudgetMisconfig)
	}
	if s.UsesHistory && s.MaxHistoryTokens <= 0 {
		return Result{}, pipelineerr.NewValidationError("max_history_tokens", fmt.Sprint(s.MaxHistoryTokens), pipelineerr.ErrBudgetMisconfig)
	}

	margin := s.SafetyMarginTokens
	if margin <= 0 {
		margin = defaultSafetyMargin
	}

	contract := Contract{
		NCtx:               s.NCtx,
		MaxContextTokens:   s.MaxContextTokens,
		MaxHistoryTokens:   s.MaxHistoryTokens,
		SafetyMarginTokens: margin,
		Policy:             s.Policy,
		PerStepMaxOutput:   make(map[string]int, len(s.Steps)),
	}
	for _, step := range s.Steps {
		contract.PerStepMaxOutput[step.StepID] = step.MaxOutputTokens
	}

	violations := violatingSteps(s.Steps, contract)
	if len(violations) == 0 {
		return Result{Contract: contract}, nil
	}

	if s.Policy != AutoClamp {
		return Result{}, pipelineerr.NewValidationError(
			"budget", fmt.Sprintf("%d step(s) exceed n_ctx=%d under fail_fast", len(violations), s.NCtx),
			pipelineerr.ErrBudgetMisconfig)
	}

	return autoClamp(s, contract)
}

// violatingSteps returns the StepRequirements whose required budget exceeds
// n_ctx under the given contract.
func violatingSteps(steps []StepRequirement, c Contract) []StepRequirement {
	var bad []StepRequirement
	for _, step := range steps {
		if required(step, c) > c.NCtx {
			bad = append(bad, step)
		}
	}
	return bad
}

func required(step StepRequirement, c Contract) int {
	return step.FixedPrompt + c.MaxHistoryTokens + c.MaxContextTokens + step.MaxOutputTokens + c.SafetyMarginTokens
}

// autoClamp first shrinks the shared max_context_tokens down to the minimum
// every call_model step can tolerate, then shrinks each step's
// max_output_tokens individually if that alone is not enough.
func autoClamp(s Settings, c Contract) (Result, error) {
	var clamps []Clamp

	minAllowedContext := c.MaxContextTokens
	for _, step := range s.Steps {
		allowed := s.NCtx - step.FixedPrompt - c.MaxHistoryTokens - step.MaxOutputTokens - c.SafetyMarginTokens
		if allowed < minAllowedContext {
			minAllowedContext = allowed
		}
	}
	if minAllowedContext < 0 {
		minAllowedContext = 0
	}
	if minAllowedContext < c.MaxContextTokens {
		clamps = append(clamps, Clamp{
			Field:  "max_context_tokens",
			From:   c.MaxContextTokens,
			To:     minAllowedContext,
			Reason: "shrunk to the minimum every call_model step tolerates under n_ctx",
		})
		c.MaxContextTokens = minAllowedContext
	}

	for _, step := range s.Steps {
		r := required(step, c)
		if r <= s.NCtx {
			continue
		}
		overBy := r - s.NCtx
		newOut := step.MaxOutputTokens - overBy
		if newOut <= 0 {
			return Result{}, pipelineerr.NewValidationError(
				"max_output_tokens", step.StepID,
				fmt.Errorf("%w: step %q has no usable output budget left after clamping max_context_tokens to %d",
					pipelineerr.ErrBudgetMisconfig, step.StepID, c.MaxContextTokens))
		}
		clamps = append(clamps, Clamp{
			StepID: step.StepID,
			Field:  "max_output_tokens",
			From:   step.MaxOutputTokens,
			To:     newOut,
			Reason: "shrunk per-step to fit n_ctx after global max_context_tokens clamp",
		})
		c.PerStepMaxOutput[step.StepID] = newOut
	}

	return Result{Contract: c, Clamps: clamps}, nil
}
