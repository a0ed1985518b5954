// Package jsonish implements the tolerant, "JSON-ish" parser several
// actions (json_decision_router, repeat_query_guard, inbox_dispatcher) use
// to pull structured directives out of otherwise free-text model output:
// it strips markdown code fences and tolerates unquoted keys, trailing
// commas, single-quoted strings, and `=` used as a key/value separator.
//
// No pack example ships a JSON5-style relaxed decoder (gjson, the one
// lenient-parsing library in the corpus, queries already-valid JSON rather
// than repairing malformed JSON), so this is a small regex-preprocessing
// pass over the standard library's encoding/json — see DESIGN.md.
package jsonish

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRe       = regexp.MustCompile(`(?s)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	equalsKVRe    = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*=\s*`)
	singleQuoted  = regexp.MustCompile(`'([^']*)'`)
)

// Clean applies every tolerance transform without parsing. On valid compact
// JSON it leaves quoted keys and structure alone, so Parse(Serialize(obj))
// == obj for primitives-only objects, except where a string value itself
// contains a single quote or text shaped like `,word:`, `{word:` or
// `,word=`: the patterns do not skip quoted strings and rewrite those too.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = singleQuoted.ReplaceAllString(s, `"$1"`)
	s = equalsKVRe.ReplaceAllString(s, `$1"$2":`)
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = trailingComma.ReplaceAllString(s, "$1")
	return s
}

// Parse tolerantly decodes raw into a map[string]any. Empty input decodes
// to an empty map rather than an error.
func Parse(raw string) (map[string]any, error) {
	cleaned := Clean(raw)
	if cleaned == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("jsonish: parse: %w (cleaned=%q)", err, cleaned)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Serialize writes obj back to compact JSON. Used by routers that remove
// their consumed keys and write the remainder back to last_model_response.
func Serialize(obj map[string]any) string {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
