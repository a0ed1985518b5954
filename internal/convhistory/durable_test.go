package convhistory

import (
	"context"
	"errors"
	"testing"

	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/pkg/repo"
)

type fakeTurnRepo struct {
	byID map[string]Turn
}

func newFakeTurnRepo() *fakeTurnRepo {
	return &fakeTurnRepo{byID: make(map[string]Turn)}
}

func (f *fakeTurnRepo) Get(ctx context.Context, id string) (Turn, error) {
	t, ok := f.byID[id]
	if !ok {
		return Turn{}, errors.New("not found")
	}
	return t, nil
}

func (f *fakeTurnRepo) List(ctx context.Context, opts repo.ListOpts) ([]Turn, error) {
	sessionID, _ := opts.Filter["session_id"].(string)
	var out []Turn
	for _, t := range f.byID {
		if sessionID == "" || t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTurnRepo) Create(ctx context.Context, t Turn) (Turn, error) {
	f.byID[t.TurnID] = t
	return t, nil
}

func (f *fakeTurnRepo) Update(ctx context.Context, t Turn) (Turn, error) {
	f.byID[t.TurnID] = t
	return t, nil
}

func (f *fakeTurnRepo) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

var _ repo.Repository[Turn, string] = (*fakeTurnRepo)(nil)

func TestDurableStoreUpsertMissingTurnFails(t *testing.T) {
	store := NewDurableStore(newFakeTurnRepo())
	err := store.UpsertTurnFinal(context.Background(), FinalizeInput{SessionID: "s1", TurnID: "missing"})
	if !errors.Is(err, pipelineerr.ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
}

func TestDurableStoreInsertThenUpsertThenList(t *testing.T) {
	backing := newFakeTurnRepo()
	store := NewDurableStore(backing)
	ctx := context.Background()

	turn := Turn{TurnID: "t1", SessionID: "s1", QuestionNeutral: "q1"}
	if err := store.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.UpsertTurnFinal(ctx, FinalizeInput{SessionID: "s1", TurnID: "t1", AnswerNeutral: "a1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	turns, err := store.ListRecentFinalizedTurnsBySession(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 1 || turns[0].AnswerNeutral != "a1" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
}

func TestDurableStoreUpsertRejectsWrongSession(t *testing.T) {
	backing := newFakeTurnRepo()
	store := NewDurableStore(backing)
	ctx := context.Background()

	if err := store.InsertTurn(ctx, Turn{TurnID: "t1", SessionID: "s1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.UpsertTurnFinal(ctx, FinalizeInput{SessionID: "other-session", TurnID: "t1"})
	if !errors.Is(err, pipelineerr.ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound for session mismatch, got %v", err)
	}
}
