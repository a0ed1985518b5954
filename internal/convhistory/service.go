package convhistory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ragflow/pipeline/internal/pipelineerr"
)

// Service orchestrates the session and durable tiers and enforces the
// session_id -> identity_id binding invariant.
type Service struct {
	Session *SessionStore
	Durable *DurableStore

	mu       sync.Mutex
	identity map[string]string // session_id -> identity_id, once bound
}

func NewService(session *SessionStore, durable *DurableStore) *Service {
	return &Service{Session: session, Durable: durable, identity: make(map[string]string)}
}

// OnRequestStarted enforces the session_id -> identity_id binding and
// returns the idempotent turn_id for (session_id, request_id).
func (s *Service) OnRequestStarted(ctx context.Context, sessionID, requestID, identityID, questionNeutral string) (string, error) {
	if identityID != "" {
		s.mu.Lock()
		bound, ok := s.identity[sessionID]
		if !ok {
			s.identity[sessionID] = identityID
		} else if bound != identityID {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: session %q already bound to %q, got %q",
				pipelineerr.ErrIdentityRebind, sessionID, bound, identityID)
		}
		s.mu.Unlock()
	}

	turnID, err := s.Session.StartTurn(ctx, sessionID, requestID, identityID, questionNeutral)
	if err != nil {
		return "", err
	}

	if s.Durable != nil && identityID != "" {
		_ = s.Durable.InsertTurn(ctx, Turn{
			TurnID:          turnID,
			SessionID:       sessionID,
			RequestID:       requestID,
			IdentityID:      identityID,
			QuestionNeutral: questionNeutral,
		})
	}

	return turnID, nil
}

// OnRequestFinalized updates both stores. A missing turn_id is fatal.
func (s *Service) OnRequestFinalized(ctx context.Context, in FinalizeInput) error {
	if in.TurnID == "" {
		return fmt.Errorf("%w: missing turn_id", pipelineerr.ErrTurnNotFound)
	}

	if err := s.Session.FinalizeTurn(ctx, in); err != nil {
		return err
	}

	if s.Durable != nil && in.IdentityID != "" {
		if err := s.Durable.UpsertTurnFinal(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentQANeutral returns ordered (question_neutral, answer_neutral)
// pairs for finalized turns only.
func (s *Service) GetRecentQANeutral(ctx context.Context, sessionID string, limit int) []QANeutral {
	pairs, err := s.Session.RecentFinalizedQANeutral(ctx, sessionID, limit)
	if err != nil {
		// History failure is non-fatal per load_conversation_history's contract.
		return nil
	}
	return pairs
}
