package jsonish

import "testing"

func TestParseFencedCodeBlock(t *testing.T) {
	out, err := Parse("```json\n{\"decision\": \"answer\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["decision"] != "answer" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseUnquotedKeysAndTrailingComma(t *testing.T) {
	out, err := Parse(`{decision: "search", query: "class Foo",}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["decision"] != "search" || out["query"] != "class Foo" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseSingleQuotesAndEquals(t *testing.T) {
	out, err := Parse(`{decision = 'answer', top_k = 5}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["decision"] != "answer" {
		t.Fatalf("got %+v", out)
	}
	if out["top_k"].(float64) != 5 {
		t.Fatalf("got %+v", out)
	}
}

func TestParseEmpty(t *testing.T) {
	out, err := Parse("   ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty map, got %+v", out)
	}
}

func TestRoundTripValidJSON(t *testing.T) {
	obj := map[string]any{"a": "b", "n": float64(3), "list": []any{"x", "y"}}
	out, err := Parse(Serialize(obj))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["a"] != "b" || out["n"].(float64) != 3 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
