package compact

import "context"

// SQLSummarizer is the narrow contract for the embedded T-SQL summarizer:
// analyze the raw procedure/query text, then emit a compact JSON
// description. The concrete summarizer is an external collaborator (out of
// scope per the engine's boundary); only this function-shaped contract
// lives in core.
type SQLSummarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// DotNetCompressor is the narrow contract for the embedded .NET code
// compressor, run in "snippets" mode against a fixed token budget.
type DotNetCompressor interface {
	Compress(ctx context.Context, text string, tokenBudget int) (string, error)
}

// Compactors bundles the two language-specific collaborators
// manage_context_budget dispatches to. A nil field means that language's
// compaction is unavailable and nodes classified into it are left
// uncompacted (their block header reads compact=false).
type Compactors struct {
	SQL    SQLSummarizer
	DotNet DotNetCompressor
}

// Policy is a compact_code.rules entry: when to compact a node of the given
// language.
type Policy string

const (
	PolicyAlways    Policy = "always"
	PolicyThreshold Policy = "threshold"
	PolicyDemand    Policy = "demand"
)

// Rule is one compact_code.rules[] entry.
type Rule struct {
	Language  Language
	Policy    Policy
	Threshold float64 // only meaningful for PolicyThreshold, in (0,1]
	InboxKey  string  // only meaningful for PolicyDemand
}

// RuleFor returns the rule matching lang, and whether one was found.
func RuleFor(rules []Rule, lang Language) (Rule, bool) {
	for _, r := range rules {
		if r.Language == lang {
			return r, true
		}
	}
	return Rule{}, false
}

// ShouldCompact decides, for a single node, whether it should be compacted
// given its rule, its raw token count, the max_context_tokens budget, and
// whether a matching demand-mode inbox message was present (already
// consumed by the caller before this call, per the spec's consume-on-entry
// semantics).
func ShouldCompact(rule Rule, found bool, tokensRaw int, maxContextTokens int, demandSatisfied bool) bool {
	if !found {
		return false
	}
	switch rule.Policy {
	case PolicyAlways:
		return true
	case PolicyThreshold:
		return float64(tokensRaw) > rule.Threshold*float64(maxContextTokens)
	case PolicyDemand:
		return demandSatisfied
	default:
		return false
	}
}

// Dispatch routes a classified node's text to the right compactor. Returns
// the original text unchanged, with ok=false, if no compactor is wired for
// lang (LangOther is never dispatched by its caller).
func Dispatch(ctx context.Context, c Compactors, lang Language, text string) (compacted string, ok bool, err error) {
	switch lang {
	case LangSQL:
		if c.SQL == nil {
			return text, false, nil
		}
		out, err := c.SQL.Summarize(ctx, text)
		if err != nil {
			return text, false, err
		}
		return out, true, nil
	case LangDotNet:
		if c.DotNet == nil {
			return text, false, nil
		}
		const dotnetSnippetTokenBudget = 1200
		out, err := c.DotNet.Compress(ctx, text, dotnetSnippetTokenBudget)
		if err != nil {
			return text, false, err
		}
		return out, true, nil
	default:
		return text, false, nil
	}
}
