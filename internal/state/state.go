// Package state defines the per-run mutable record that flows through the
// pipeline engine: identity, router artifacts, retrieval outputs, context
// blocks, answers, the inbox, and diagnostics.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Hit is a single retrieval result summary.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Edge is a graph relationship discovered during dependency expansion.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// NodeText is a fetched node body, optionally annotated with path/metadata.
type NodeText struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	Path             string            `json:"path,omitempty"`
	MetadataContext  map[string]string `json:"metadata_context,omitempty"`
}

// DialogTurn is one alternating user/assistant message in history_dialog.
type DialogTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message is an inbox entry addressed to a specific step id.
type Message struct {
	TargetStepID string `json:"target_step_id"`
	Topic        string `json:"topic"`
	Payload      any    `json:"payload,omitempty"`
	SenderStepID string `json:"sender_step_id,omitempty"`
}

// Event is a single pipeline_trace_events entry.
type Event struct {
	Type      string         `json:"type"` // CONSUME, ENQUEUE, ACTION, RUN_END
	TimestampUTC time.Time   `json:"ts_utc"`
	StepID    string         `json:"step_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	NextDefault  string      `json:"next_default,omitempty"`
	NextResolved string      `json:"next_resolved,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	In        any            `json:"in,omitempty"`
	Out       any            `json:"out,omitempty"`
	Error     string         `json:"error,omitempty"`
	StateAfter any           `json:"state_after,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// State is per-run, mutable, and single-threaded within one run. A new State
// starts with an empty inbox and empty trace.
type State struct {
	// Identity
	UserQuery      string
	SessionID      string
	Consultant     string
	RequestID      string
	Branch         string
	UserID         string
	Repository     string
	SnapshotID     string
	SnapshotIDB    string
	SnapshotSetID  string
	TranslateChat  bool

	// Router/parse artifacts
	LastModelResponse string
	LastPrefix        string
	UserQuestionEN    string
	RetrievalMode     string
	RetrievalQuery    string
	RetrievalFilters  map[string]any
	RetrievalQueriesAsked     []string
	RetrievalQueriesAskedNorm map[string]struct{}

	// Retrieval outputs
	RetrievalSeedNodes []string
	RetrievalHits      []Hit
	GraphSeedNodes     []string
	GraphExpandedNodes []string
	GraphEdges         []Edge
	GraphDebug         map[string]any
	NodeTexts          []NodeText

	// Context
	HistoryDialog []DialogTurn
	HistoryBlocks []string
	ContextBlocks []string

	// Answers
	AnswerNeutral            string
	AnswerTranslated         string
	AnswerTranslatedIsFallback bool
	BannerNeutral            string
	BannerTranslated         string
	FinalAnswer              string

	// Inbox
	Inbox               []Message
	InboxLastConsumed    []Message

	// Diagnostics
	PipelineTraceEvents []Event
	LoopCounters        map[string]int
	StepsUsed           int

	// Parallel roads fan-out scratch state (nil unless fork_action is used).
	ParallelRoads *ParallelRoadsState

	// Variables is set_variables' scratch bag for field names that don't
	// correspond to one of the named fields above.
	Variables map[string]any
}

// ParallelRoadsState holds the snapshot fan-out plan across fork/search/merge.
type ParallelRoadsState struct {
	Snapshots            map[string]string
	Order                []string
	Index                int
	SearchStepID         string
	ForkStepID           string
	OriginalSnapshotID   string
	OriginalSnapshotIDB  string
	Results              map[string][]string
	SnapshotFriendlyNames map[string]string
}

// New returns a freshly initialized State for a single run.
func New(userQuery, sessionID string) *State {
	return &State{
		UserQuery:                 userQuery,
		SessionID:                 sessionID,
		RetrievalFilters:          map[string]any{},
		RetrievalQueriesAskedNorm: map[string]struct{}{},
		GraphDebug:                map[string]any{},
		LoopCounters:              map[string]int{},
		Inbox:                     nil,
		PipelineTraceEvents:       nil,
		Variables:                 map[string]any{},
	}
}

// EnqueueMessage validates non-empty target/topic, deep-copies the payload via
// a JSON round-trip (also verifying it is primitives-only), and appends an
// ENQUEUE trace event with a truncated payload summary.
func (s *State) EnqueueMessage(targetStepID, topic string, payload any, senderStepID string) error {
	if targetStepID == "" {
		return fmt.Errorf("state: enqueue: target_step_id is required")
	}
	if topic == "" {
		return fmt.Errorf("state: enqueue: topic is required")
	}

	var copied any
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("state: enqueue: payload not JSON-serializable: %w", err)
		}
		if err := json.Unmarshal(raw, &copied); err != nil {
			return fmt.Errorf("state: enqueue: payload round-trip failed: %w", err)
		}
	}

	msg := Message{TargetStepID: targetStepID, Topic: topic, Payload: copied, SenderStepID: senderStepID}
	s.Inbox = append(s.Inbox, msg)

	s.PipelineTraceEvents = append(s.PipelineTraceEvents, Event{
		Type:   "ENQUEUE",
		StepID: targetStepID,
		Extra: map[string]any{
			"topic":            topic,
			"sender_step_id":   senderStepID,
			"payload_preview":  truncatePreview(copied, 512),
		},
	})
	return nil
}

// ConsumeInbox moves every message addressed to stepID from Inbox into
// InboxLastConsumed, preserving enqueue order, and leaves non-matching
// messages in place preserving their relative order.
func (s *State) ConsumeInbox(stepID string) []Message {
	var consumed, remaining []Message
	for _, m := range s.Inbox {
		if m.TargetStepID == stepID {
			consumed = append(consumed, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	s.Inbox = remaining
	s.InboxLastConsumed = consumed
	return consumed
}

// NormalizeQuery lowercases and collapses whitespace, the canonical form used
// by retrieval_queries_asked_norm and the repeat-query guard.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// RecordQueryAsked appends q to RetrievalQueriesAsked and its normalized form
// to RetrievalQueriesAskedNorm, deduplicating by normalized form.
func (s *State) RecordQueryAsked(q string) {
	norm := NormalizeQuery(q)
	if _, ok := s.RetrievalQueriesAskedNorm[norm]; ok {
		return
	}
	if s.RetrievalQueriesAskedNorm == nil {
		s.RetrievalQueriesAskedNorm = map[string]struct{}{}
	}
	s.RetrievalQueriesAskedNorm[norm] = struct{}{}
	s.RetrievalQueriesAsked = append(s.RetrievalQueriesAsked, q)
}

// QueryAlreadyAsked reports whether q's normalized form is already recorded.
func (s *State) QueryAlreadyAsked(q string) bool {
	_, ok := s.RetrievalQueriesAskedNorm[NormalizeQuery(q)]
	return ok
}

func truncatePreview(v any, max int) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "...(truncated)"
}
