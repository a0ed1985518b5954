package modelclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ragflow/pipeline/pkg/resilience"
)

type fakeClient struct {
	calls int
	err   error
	resp  AskResponse
}

func (f *fakeClient) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	f.calls++
	if f.err != nil {
		return AskResponse{}, f.err
	}
	return f.resp, nil
}

func TestResilientPassesThroughWithNoGuards(t *testing.T) {
	fc := &fakeClient{resp: AskResponse{Reply: "hi"}}
	r := NewResilient(fc, nil, nil)

	resp, err := r.Ask(context.Background(), AskRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if resp.Reply != "hi" {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if fc.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fc.calls)
	}
}

func TestResilientRateLimiterRejectsWhenExhausted(t *testing.T) {
	fc := &fakeClient{resp: AskResponse{Reply: "hi"}}
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0, Burst: 1})
	r := NewResilient(fc, nil, limiter)

	if _, err := r.Ask(context.Background(), AskRequest{}); err != nil {
		t.Fatalf("first call should consume the single burst token: %v", err)
	}
	_, err := r.Ask(context.Background(), AskRequest{})
	if !errors.Is(err, resilience.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on second call, got %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("underlying client must not be called once the limiter rejects, got %d calls", fc.calls)
	}
}

func TestResilientBreakerOpensAfterFailThreshold(t *testing.T) {
	fc := &fakeClient{err: errors.New("boom")}
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	r := NewResilient(fc, breaker, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Ask(context.Background(), AskRequest{}); err == nil {
			t.Fatalf("call %d: expected underlying error to propagate", i)
		}
	}

	_, err := r.Ask(context.Background(), AskRequest{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit to be open after %d failures, got %v", fc.calls, err)
	}
	if fc.calls != 2 {
		t.Fatalf("expected exactly 2 underlying calls before trip, got %d", fc.calls)
	}
}

func TestResilientBreakerAndLimiterBothNil(t *testing.T) {
	fc := &fakeClient{resp: AskResponse{Reply: "ok"}}
	r := NewResilient(fc, nil, nil)
	if _, err := r.Ask(context.Background(), AskRequest{}); err != nil {
		t.Fatalf("ask with no guards: %v", err)
	}
}
