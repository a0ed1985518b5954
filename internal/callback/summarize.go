package callback

import (
	"github.com/ragflow/pipeline/internal/state"
)

// recognizedActions map to summary/summary_translated/details per §4.9.
var recognizedActions = map[string]struct{}{
	"search_nodes":          {},
	"fetch_node_texts":      {},
	"manage_context_budget": {},
	"call_model":            {},
}

// DocPreview is a capped document preview attached to a summarized event
// when the policy's IncludeDocuments is set.
type DocPreview struct {
	ID       string `json:"id"`
	Preview  string `json:"preview"`
	Markdown bool   `json:"markdown,omitempty"`
}

const docPreviewCap = 400

// Summary is the UI-facing projection of one internal trace event.
type Summary struct {
	Type              string         `json:"type"`
	StepID            string         `json:"step_id,omitempty"`
	Action            string         `json:"action,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	SummaryTranslated string         `json:"summary_translated,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Docs              []DocPreview   `json:"docs,omitempty"`
}

// Summarize converts an internal trace event into a UI-facing Summary under
// policy, or returns ok=false when the stage-visibility axis filters it out.
func Summarize(ev state.Event, policy Policy) (Summary, bool) {
	switch ev.Type {
	case "ENQUEUE", "CONSUME":
		if !policy.StageVisible(ev.Type) {
			return Summary{}, false
		}
		return Summary{Type: ev.Type, StepID: ev.StepID, Details: map[string]any{"action_id": ev.ActionID}}, true
	case "ACTION":
		if !policy.StageVisible(ev.Action) {
			return Summary{}, false
		}
		return summarizeAction(ev, policy), true
	case "RUN_END":
		return Summary{Type: "RUN_END"}, true
	default:
		return Summary{}, false
	}
}

func summarizeAction(ev state.Event, policy Policy) Summary {
	s := Summary{Type: "ACTION", StepID: ev.StepID, Action: ev.Action}
	if ev.Error != "" {
		s.Details = map[string]any{"error": ev.Error}
		s.Summary = "step " + ev.StepID + " failed"
		return s
	}

	if _, ok := recognizedActions[ev.Action]; !ok {
		return s
	}

	switch ev.Action {
	case "search_nodes":
		s.Summary = "searched the knowledge base"
	case "fetch_node_texts":
		s.Summary = "fetched matching source excerpts"
	case "manage_context_budget":
		s.Summary = "packed context into the budget"
	case "call_model":
		s.Summary = "asked the model"
	}
	s.SummaryTranslated = s.Summary

	if m, ok := ev.Extra["details"].(map[string]any); ok {
		s.Details = m
	}

	if policy.IncludeDocuments {
		if docs, ok := ev.Extra["docs"].([]DocPreview); ok {
			s.Docs = capDocs(docs)
		}
	}
	return s
}

func capDocs(docs []DocPreview) []DocPreview {
	out := make([]DocPreview, len(docs))
	for i, d := range docs {
		if len(d.Preview) > docPreviewCap {
			d.Preview = d.Preview[:docPreviewCap]
		}
		out[i] = d
	}
	return out
}
