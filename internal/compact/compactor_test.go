package compact

import (
	"context"
	"errors"
	"testing"
)

type fakeSQLSummarizer struct {
	out string
	err error
}

func (f fakeSQLSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return f.out, f.err
}

type fakeDotNetCompressor struct {
	out         string
	gotBudget   int
	err         error
}

func (f *fakeDotNetCompressor) Compress(ctx context.Context, text string, tokenBudget int) (string, error) {
	f.gotBudget = tokenBudget
	return f.out, f.err
}

func TestShouldCompactAlways(t *testing.T) {
	rule := Rule{Language: LangSQL, Policy: PolicyAlways}
	if !ShouldCompact(rule, true, 1, 1000, false) {
		t.Fatal("expected always policy to compact")
	}
}

func TestShouldCompactThreshold(t *testing.T) {
	rule := Rule{Language: LangSQL, Policy: PolicyThreshold, Threshold: 0.5}
	if ShouldCompact(rule, true, 400, 1000, false) {
		t.Fatal("expected no compaction below threshold")
	}
	if !ShouldCompact(rule, true, 600, 1000, false) {
		t.Fatal("expected compaction above threshold")
	}
}

func TestShouldCompactDemand(t *testing.T) {
	rule := Rule{Language: LangDotNet, Policy: PolicyDemand, InboxKey: "compact_please"}
	if ShouldCompact(rule, true, 1, 1, false) {
		t.Fatal("expected no compaction without demand satisfied")
	}
	if !ShouldCompact(rule, true, 1, 1, true) {
		t.Fatal("expected compaction when demand satisfied")
	}
}

func TestShouldCompactNoRuleFound(t *testing.T) {
	if ShouldCompact(Rule{}, false, 1, 1, true) {
		t.Fatal("expected no compaction when rule not found")
	}
}

func TestDispatchSQL(t *testing.T) {
	c := Compactors{SQL: fakeSQLSummarizer{out: `{"summary":"ok"}`}}
	out, ok, err := Dispatch(context.Background(), c, LangSQL, "CREATE PROCEDURE x AS SELECT 1")
	if err != nil || !ok || out != `{"summary":"ok"}` {
		t.Fatalf("unexpected dispatch result: out=%q ok=%v err=%v", out, ok, err)
	}
}

func TestDispatchDotNetUsesFixedBudget(t *testing.T) {
	compressor := &fakeDotNetCompressor{out: "compressed"}
	c := Compactors{DotNet: compressor}
	out, ok, err := Dispatch(context.Background(), c, LangDotNet, "public class Foo {}")
	if err != nil || !ok || out != "compressed" {
		t.Fatalf("unexpected dispatch result: out=%q ok=%v err=%v", out, ok, err)
	}
	if compressor.gotBudget != 1200 {
		t.Fatalf("expected fixed 1200 token budget, got %d", compressor.gotBudget)
	}
}

func TestDispatchMissingCompactorReturnsUnchanged(t *testing.T) {
	out, ok, err := Dispatch(context.Background(), Compactors{}, LangSQL, "original")
	if err != nil || ok || out != "original" {
		t.Fatalf("unexpected dispatch result: out=%q ok=%v err=%v", out, ok, err)
	}
}

func TestDispatchOtherLanguageNeverDispatches(t *testing.T) {
	out, ok, err := Dispatch(context.Background(), Compactors{
		SQL:    fakeSQLSummarizer{out: "x"},
		DotNet: &fakeDotNetCompressor{out: "y"},
	}, LangOther, "original")
	if err != nil || ok || out != "original" {
		t.Fatalf("unexpected dispatch result: out=%q ok=%v err=%v", out, ok, err)
	}
}

func TestDispatchPropagatesSummarizerError(t *testing.T) {
	boom := errors.New("boom")
	_, ok, err := Dispatch(context.Background(), Compactors{SQL: fakeSQLSummarizer{err: boom}}, LangSQL, "text")
	if ok || !errors.Is(err, boom) {
		t.Fatalf("expected propagated error, got ok=%v err=%v", ok, err)
	}
}
