package actions

import (
	"context"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/jsonish"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
)

// InboxDispatcher implements inbox_dispatcher: parses a tolerant JSON
// object of directives out of last_model_response and, for each one whose
// target_step_id matches a configured rule, filters/renames the payload
// keys per the rule and enqueues a message.
type InboxDispatcher struct{}

func (InboxDispatcher) ActionID() string { return "inbox_dispatcher" }

func (InboxDispatcher) LogIn(step pipelinedef.StepDef, st *state.State) any {
	return map[string]any{"last_model_response": st.LastModelResponse}
}

func (InboxDispatcher) LogOut(step pipelinedef.StepDef, st *state.State, next string) any {
	return map[string]any{"inbox_len": len(st.Inbox)}
}

type dispatchRule struct {
	topic     string
	allowKeys []string
	rename    map[string]string
}

func (InboxDispatcher) DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) (string, error) {
	directivesKey := rawStringDefault(step.Raw, "directives_key", "dispatch")
	rulesRaw, _ := rawMap(step.Raw, "rules")

	rules := map[string]dispatchRule{}
	for target, v := range rulesRaw {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		r := dispatchRule{
			topic:     rawStringDefault(entry, "topic", ""),
			allowKeys: rawStringSlice(entry, "allow_keys"),
		}
		if renameRaw, ok := rawMap(entry, "rename"); ok {
			r.rename = map[string]string{}
			for from, to := range renameRaw {
				if s, ok := to.(string); ok {
					r.rename[from] = s
				}
			}
		}
		rules[target] = r
	}

	parsed, err := jsonish.Parse(st.LastModelResponse)
	if err != nil {
		return "", nil
	}

	directivesAny, ok := parsed[directivesKey]
	if !ok {
		return "", nil
	}

	directives, ok := directivesAny.([]any)
	if !ok {
		if single, ok := directivesAny.(map[string]any); ok {
			directives = []any{single}
		} else {
			return "", nil
		}
	}

	for _, d := range directives {
		directive, ok := d.(map[string]any)
		if !ok {
			continue
		}
		target := firstNonEmpty(directive, "target_step_id", "target", "id")
		if target == "" {
			continue
		}
		rule, ok := rules[target]
		if !ok {
			continue
		}

		payload := extractDirectivePayload(directive)
		payload = applyRename(payload, rule.rename)
		if len(rule.allowKeys) > 0 {
			payload = filterKeys(payload, rule.allowKeys)
		}
		if len(payload) == 0 {
			continue
		}

		topic := rule.topic
		if topic == "" {
			topic, _ = rawString(directive, "topic")
		}
		if topic == "" {
			topic = "config"
		}

		_ = st.EnqueueMessage(target, topic, payload, step.ID)
	}

	return "", nil
}

func firstNonEmpty(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// extractDirectivePayload returns directive.payload if present, else
// every key other than the reserved routing keys.
func extractDirectivePayload(directive map[string]any) map[string]any {
	if p, ok := directive["payload"].(map[string]any); ok {
		return cloneMap(p)
	}
	out := map[string]any{}
	reserved := map[string]bool{"target_step_id": true, "target": true, "id": true, "topic": true, "payload": true}
	for k, v := range directive {
		if !reserved[k] {
			out[k] = v
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func applyRename(payload map[string]any, rename map[string]string) map[string]any {
	if len(rename) == 0 {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if to, ok := rename[k]; ok {
			out[to] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func filterKeys(payload map[string]any, allow []string) map[string]any {
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	out := map[string]any{}
	for k, v := range payload {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}
