// Package callback implements the work-callback broker: per-run_id bounded
// event rings, subscriber fan-out, and the policy layer gating what is
// externally observable. The controller (cmd/pipelined) streams a run's
// events as Server-Sent Events by subscribing here.
package callback

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ragflow/pipeline/internal/state"
)

const (
	defaultRingSize = 600
	defaultTTL      = 20 * time.Minute

	// defaultSubscribeRate/defaultSubscribeBurst bound how often a single
	// run accepts a new OpenStream subscriber, so a reconnect-storming
	// client can't spin up unbounded queues on one run.
	defaultSubscribeRate  = 5
	defaultSubscribeBurst = 10
)

// run holds one pipeline run's broadcast state.
type run struct {
	mu         sync.Mutex
	policy     Policy
	ring       []Summary
	ringSize   int
	queues     []chan Summary
	closed     bool
	reason     string
	lastEmit   time.Time
	subscribeL *rate.Limiter
}

func newRun(ringSize int, policy Policy) *run {
	return &run{
		ringSize:   ringSize,
		policy:     policy,
		lastEmit:   time.Now(),
		subscribeL: rate.NewLimiter(rate.Limit(defaultSubscribeRate), defaultSubscribeBurst),
	}
}

func (r *run) append(s Summary) {
	r.ring = append(r.ring, s)
	if len(r.ring) > r.ringSize {
		r.ring = r.ring[len(r.ring)-r.ringSize:]
	}
}

// Broker holds a runs map protected by a single mutex, which every public
// method acquires. Each run's ring is bounded. Each subscriber queue is a
// channel buffered to 256 summaries; a summary that finds a subscriber's
// queue full is dropped for that subscriber. Closed runs are garbage-
// collected lazily, on the next Open.
type Broker struct {
	mu       sync.Mutex
	runs     map[string]*run
	ringSize int
	ttl      time.Duration
}

// NewBroker creates a broker. ringSize<=0 defaults to 600; ttl<=0 defaults
// to 20 minutes.
func NewBroker(ringSize int, ttl time.Duration) *Broker {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Broker{runs: make(map[string]*run), ringSize: ringSize, ttl: ttl}
}

// Open registers run_id with its resolved policy, if not already open.
func (b *Broker) Open(runID string, policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcLocked()
	if _, ok := b.runs[runID]; ok {
		return
	}
	b.runs[runID] = newRun(b.ringSize, policy)
}

// Emit runs the event through policy-aware summarization and, if not
// filtered, appends to the ring and fans out to every subscriber queue.
// Emitting to an unopened or closed run is a silent no-op.
func (b *Broker) Emit(runID string, ev state.Event) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	summary, ok := Summarize(ev, r.policy)
	if !ok {
		return
	}

	r.append(summary)
	r.lastEmit = time.Now()
	for _, q := range r.queues {
		select {
		case q <- summary:
		default:
			// A full buffered channel means the subscriber stopped
			// draining; drop the summary for it rather than block.
		}
	}
}

// Close marks run_id closed, emitting a terminal "done" summary to
// subscribers. Closed runs remain available for OpenStream (to drain the
// snapshot) until the TTL garbage-collects them.
func (b *Broker) Close(runID, reason string) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.reason = reason
	r.lastEmit = time.Now()
	done := Summary{Type: "done", Details: map[string]any{"reason": reason}}
	r.append(done)
	for _, q := range r.queues {
		select {
		case q <- done:
		default:
		}
	}
}

// AllowSubscribe reports whether run_id may accept another OpenStream
// subscriber right now, per its per-run token bucket. Callers (the SSE
// controller) should check this before OpenStream to reject a
// reconnect-storming client with 429 rather than silently growing the
// run's queue list forever. An unopened run always allows (OpenStream
// itself will report not-found).
func (b *Broker) AllowSubscribe(runID string) bool {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return true
	}
	return r.subscribeL.Allow()
}

// OpenStream returns a live queue plus a snapshot of everything emitted so
// far, for the controller to replay before switching to live events.
func (b *Broker) OpenStream(runID string) (queue <-chan Summary, snapshot []Summary, closed bool, found bool) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]Summary, len(r.ring))
	copy(snap, r.ring)

	q := make(chan Summary, 256)
	r.queues = append(r.queues, q)
	return q, snap, r.closed, true
}

// gcLocked evicts closed runs whose TTL has elapsed. Caller holds b.mu.
func (b *Broker) gcLocked() {
	now := time.Now()
	for id, r := range b.runs {
		r.mu.Lock()
		expired := r.closed && now.Sub(r.lastEmit) > b.ttl
		r.mu.Unlock()
		if expired {
			delete(b.runs, id)
		}
	}
}
