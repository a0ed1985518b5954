package pipelinedef

import (
	"fmt"
	"strings"

	"github.com/ragflow/pipeline/internal/pipelineerr"
)

// LintWarning is a non-fatal validator finding.
type LintWarning struct {
	StepID  string
	Message string
}

// Validate checks entry_step_id, action names (against allowlist, which
// defaults to nil meaning "don't check"), and that every next/on_* target
// exists. It returns fatal errors plus a list of non-fatal lint warnings.
func Validate(p *PipelineDef, allowedActions map[string]struct{}) ([]LintWarning, error) {
	entry, ok := p.EntryStepID()
	if !ok || entry == "" {
		return nil, fmt.Errorf("%w", pipelineerr.ErrMissingEntryStep)
	}
	if !p.HasStep(entry) {
		return nil, fmt.Errorf("%w: entry_step_id %q", pipelineerr.ErrUnknownStep, entry)
	}

	seen := map[string]bool{}
	for _, s := range p.Steps {
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate step id %q", pipelineerr.ErrInvalidPipelineDoc, s.ID)
		}
		seen[s.ID] = true

		if allowedActions != nil {
			if _, ok := allowedActions[s.Action]; !ok {
				return nil, fmt.Errorf("%w: %q (step %q)", pipelineerr.ErrUnknownAction, s.Action, s.ID)
			}
		}

		if next, ok := s.Next(); ok && next != "" && !p.HasStep(next) {
			return nil, fmt.Errorf("%w: step %q next -> %q", pipelineerr.ErrUnknownStep, s.ID, next)
		}
		for onKey, target := range s.OnTargets() {
			if target != "" && !p.HasStep(target) {
				return nil, fmt.Errorf("%w: step %q %s -> %q", pipelineerr.ErrUnknownStep, s.ID, onKey, target)
			}
		}
	}

	return lint(p), nil
}

// lint produces advisory (non-fatal) warnings.
func lint(p *PipelineDef) []LintWarning {
	var warnings []LintWarning

	seenSeedProducer := false
	seenExpand := false
	seenAnswerBeforeContext := false
	contextFetched := false

	for _, s := range p.Steps {
		switch s.Action {
		case "search_nodes", "set_variables":
			seenSeedProducer = true
		case "expand_dependency_tree":
			if !seenSeedProducer {
				warnings = append(warnings, LintWarning{
					StepID:  s.ID,
					Message: "expand_dependency_tree has no seed-producing predecessor in step declaration order",
				})
			}
			seenExpand = true
		case "fetch_node_texts":
			if !seenExpand {
				warnings = append(warnings, LintWarning{
					StepID:  s.ID,
					Message: "fetch_node_texts without a preceding expand_dependency_tree",
				})
			}
			contextFetched = true
		case "manage_context_budget":
			contextFetched = true
		case "call_model":
			looksLikeAnswer := strings.Contains(strings.ToLower(s.ID), "answer")
			if prompt, ok := s.Raw["prompt_key"].(string); ok {
				looksLikeAnswer = looksLikeAnswer || strings.Contains(strings.ToLower(prompt), "answer")
			}
			if looksLikeAnswer && !contextFetched && !seenAnswerBeforeContext {
				warnings = append(warnings, LintWarning{
					StepID:  s.ID,
					Message: "call_model step looks like an answer step but appears before any context-fetching step",
				})
				seenAnswerBeforeContext = true
			}
		}
	}
	return warnings
}
