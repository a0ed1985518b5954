package modelclient

import (
	"context"

	"github.com/ragflow/pipeline/pkg/resilience"
)

// Resilient wraps a Client with a circuit breaker and a token-bucket rate
// limiter, the same pkg/resilience primitives call_model's outbound model
// calls are protected by. A tripped breaker or exhausted limiter surfaces
// its sentinel error (resilience.ErrCircuitOpen / resilience.ErrRateLimited)
// instead of reaching the underlying client.
type Resilient struct {
	next    Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// NewResilient wraps next. breaker/limiter may be nil to skip that guard.
func NewResilient(next Client, breaker *resilience.Breaker, limiter *resilience.Limiter) *Resilient {
	return &Resilient{next: next, breaker: breaker, limiter: limiter}
}

func (r *Resilient) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	call := func(ctx context.Context) (AskResponse, error) {
		return r.next.Ask(ctx, req)
	}

	if r.limiter != nil && !r.limiter.Allow() {
		return AskResponse{}, resilience.ErrRateLimited
	}

	if r.breaker == nil {
		return call(ctx)
	}

	var resp AskResponse
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = call(ctx)
		return callErr
	})
	return resp, err
}
