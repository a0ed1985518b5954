// Package actions implements the ~20 step actions described in spec §4.6:
// routers, retrieval control flow, context budgeting, model invocation, and
// the conversation-history finalize step. Each action is a small struct
// satisfying action.Action; Default wires all of them into a fresh registry.
package actions

import "github.com/ragflow/pipeline/internal/pipelinedef"

// rawString reads a string field from a step's raw parameter bag.
func rawString(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func rawStringDefault(raw map[string]any, key, fallback string) string {
	if s, ok := rawString(raw, key); ok {
		return s
	}
	return fallback
}

func rawBool(raw map[string]any, key string, fallback bool) bool {
	v, ok := raw[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

func rawInt(raw map[string]any, key string) (int, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func rawIntDefault(raw map[string]any, key string, fallback int) int {
	if n, ok := rawInt(raw, key); ok {
		return n
	}
	return fallback
}

func rawFloat(raw map[string]any, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func rawMap(raw map[string]any, key string) (map[string]any, bool) {
	v, ok := raw[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func rawStringSlice(raw map[string]any, key string) []string {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// settingInt reads a pipeline setting as int with fallback.
func settingInt(pipeline *pipelinedef.PipelineDef, key string, fallback int) int {
	if pipeline == nil {
		return fallback
	}
	return pipeline.SettingInt(key, fallback)
}

// settingString reads a pipeline setting with fallback, used by actions
// that fall back from a per-step override to a pipeline-wide default.
func settingString(pipeline *pipelinedef.PipelineDef, key, fallback string) string {
	if pipeline == nil {
		return fallback
	}
	return pipeline.SettingString(key, fallback)
}
