// Package convhistory implements the two-tier conversation history service:
// a session-scoped KV store (ephemeral, capped) and a user-scoped durable
// store (authoritative), orchestrated by Service. Turn identity is
// idempotent on (session_id, request_id).
package convhistory

import "time"

// Turn is the stored conversation unit (spec's ConversationTurn).
type Turn struct {
	TurnID                     string
	SessionID                  string
	RequestID                  string
	CreatedAtUTC               time.Time
	IdentityID                 string
	FinalizedAtUTC             *time.Time
	QuestionNeutral            string
	AnswerNeutral              string
	QuestionTranslated         string
	AnswerTranslated           string
	AnswerTranslatedIsFallback bool
	Metadata                   map[string]any
}

// QANeutral is one (question, answer) pair returned by get_recent_qa_neutral.
type QANeutral struct {
	QuestionNeutral string
	AnswerNeutral   string
}

// FinalizeInput is the payload on_request_finalized writes into both stores.
type FinalizeInput struct {
	SessionID                  string
	RequestID                  string
	IdentityID                 string
	TurnID                     string
	AnswerNeutral              string
	AnswerTranslated           string
	AnswerTranslatedIsFallback bool
}
