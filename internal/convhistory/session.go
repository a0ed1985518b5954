package convhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ragflow/pipeline/internal/pipelineerr"
)

const defaultMaxTurns = 200

// KV is the narrow persistence contract the session store needs. A real
// deployment backs this with Redis; tests and local runs use the in-memory
// reference implementation below.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// sessionRecord is the JSON shape persisted at conv_hist:<session_id>.
type sessionRecord struct {
	ByRequest map[string]string `json:"by_request"` // request_id -> turn_id
	Turns     []Turn            `json:"turns"`
}

// SessionStore is the ephemeral, per-session KV-backed tier. It guarantees
// atomic read-modify-write per session_id via an in-process mutex keyed on
// the session id, on top of whatever atomicity the KV backend offers.
type SessionStore struct {
	kv       KV
	maxTurns int

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSessionStore wires a session store over kv. maxTurns<=0 uses the
// default cap of 200.
func NewSessionStore(kv KV, maxTurns int) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &SessionStore{kv: kv, maxTurns: maxTurns, locks: make(map[string]*sync.Mutex)}
}

func (s *SessionStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func sessionKey(sessionID string) string {
	return "conv_hist:" + sessionID
}

func (s *SessionStore) load(ctx context.Context, sessionID string) (sessionRecord, error) {
	raw, found, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return sessionRecord{}, err
	}
	if !found {
		return sessionRecord{ByRequest: map[string]string{}}, nil
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return sessionRecord{}, fmt.Errorf("convhistory: decode session record: %w", err)
	}
	if rec.ByRequest == nil {
		rec.ByRequest = map[string]string{}
	}
	return rec, nil
}

func (s *SessionStore) save(ctx context.Context, sessionID string, rec sessionRecord) error {
	if len(rec.Turns) > s.maxTurns {
		rec.Turns = rec.Turns[len(rec.Turns)-s.maxTurns:]
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("convhistory: encode session record: %w", err)
	}
	return s.kv.Put(ctx, sessionKey(sessionID), raw)
}

// StartTurn returns the existing turn_id for (session_id, request_id) if
// one was already created, idempotently; otherwise it mints a new turn_id,
// records the created turn, and returns it.
func (s *SessionStore) StartTurn(ctx context.Context, sessionID, requestID, identityID, questionNeutral string) (string, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if turnID, ok := rec.ByRequest[requestID]; ok {
		return turnID, nil
	}

	turnID := uuid.NewString()
	rec.ByRequest[requestID] = turnID
	rec.Turns = append(rec.Turns, Turn{
		TurnID:          turnID,
		SessionID:       sessionID,
		RequestID:       requestID,
		IdentityID:      identityID,
		QuestionNeutral: questionNeutral,
	})
	if err := s.save(ctx, sessionID, rec); err != nil {
		return "", err
	}
	return turnID, nil
}

// FinalizeTurn updates the matching turn in place. Fails if the turn is
// absent.
func (s *SessionStore) FinalizeTurn(ctx context.Context, in FinalizeInput) error {
	lock := s.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, in.SessionID)
	if err != nil {
		return err
	}

	for i := range rec.Turns {
		if rec.Turns[i].TurnID != in.TurnID {
			continue
		}
		now := nowUTC()
		rec.Turns[i].FinalizedAtUTC = &now
		rec.Turns[i].AnswerNeutral = in.AnswerNeutral
		rec.Turns[i].AnswerTranslated = in.AnswerTranslated
		rec.Turns[i].AnswerTranslatedIsFallback = in.AnswerTranslatedIsFallback
		return s.save(ctx, in.SessionID, rec)
	}
	return fmt.Errorf("%w: turn %q in session %q", pipelineerr.ErrTurnNotFound, in.TurnID, in.SessionID)
}

// RecentFinalizedQANeutral returns up to limit (question_neutral,
// answer_neutral) pairs for finalized turns only, oldest first.
func (s *SessionStore) RecentFinalizedQANeutral(ctx context.Context, sessionID string, limit int) ([]QANeutral, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []QANeutral
	for _, t := range rec.Turns {
		if t.FinalizedAtUTC == nil || t.QuestionNeutral == "" || t.AnswerNeutral == "" {
			continue
		}
		out = append(out, QANeutral{QuestionNeutral: t.QuestionNeutral, AnswerNeutral: t.AnswerNeutral})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
