package callback

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ragflow/pipeline/pkg/natsutil"
)

// relayed is the wire shape published on the cross-process subject: a
// run-scoped summary envelope, so multiple pipelined instances behind a
// load balancer can fan a single run's events out to every subscriber
// regardless of which instance emitted them.
type relayed struct {
	RunID   string  `json:"run_id"`
	Summary Summary `json:"summary"`
}

// NATSRelay mirrors a Broker's Emit calls onto a NATS subject, and replays
// remote emits into a local Broker. It is optional: deployments with a
// single pipelined instance never construct one.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
	local   *Broker
	sub     *nats.Subscription
}

// NewNATSRelay subscribes to subject on nc and replays remote events into
// local. Call Publish alongside every local Broker.Emit to mirror outbound.
func NewNATSRelay(nc *nats.Conn, subject string, local *Broker) (*NATSRelay, error) {
	r := &NATSRelay{nc: nc, subject: subject, local: local}
	sub, err := natsutil.Subscribe(nc, subject, func(ctx context.Context, msg relayed) {
		local.mu.Lock()
		run, ok := local.runs[msg.RunID]
		local.mu.Unlock()
		if !ok {
			return
		}
		run.mu.Lock()
		run.append(msg.Summary)
		run.lastEmit = time.Now()
		queues := append([]chan Summary(nil), run.queues...)
		run.mu.Unlock()
		for _, q := range queues {
			select {
			case q <- msg.Summary:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Publish mirrors one already-summarized event to every other pipelined
// instance subscribed to the same subject.
func (r *NATSRelay) Publish(ctx context.Context, runID string, summary Summary) error {
	return natsutil.Publish(ctx, r.nc, r.subject, relayed{RunID: runID, Summary: summary})
}

// Close unsubscribes from the relay subject.
func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
