package convhistory

import (
	"context"
	"fmt"
	"sort"

	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/pkg/repo"
)

// DurableStore is the user-scoped, authoritative tier, built on the generic
// repo.Repository[Turn, string] contract; NewNeo4jDurableStore backs it with
// pkg/repo's generic Neo4j repository.
type DurableStore struct {
	repo repo.Repository[Turn, string]
}

func NewDurableStore(r repo.Repository[Turn, string]) *DurableStore {
	return &DurableStore{repo: r}
}

// InsertTurn appends a freshly created turn.
func (d *DurableStore) InsertTurn(ctx context.Context, t Turn) error {
	_, err := d.repo.Create(ctx, t)
	return err
}

// UpsertTurnFinal finds the turn by (turn_id, session_id) and updates it.
// A missing turn is fatal.
func (d *DurableStore) UpsertTurnFinal(ctx context.Context, in FinalizeInput) error {
	existing, err := d.repo.Get(ctx, in.TurnID)
	if err != nil {
		return fmt.Errorf("%w: turn %q: %v", pipelineerr.ErrTurnNotFound, in.TurnID, err)
	}
	if existing.SessionID != in.SessionID {
		return fmt.Errorf("%w: turn %q belongs to a different session", pipelineerr.ErrTurnNotFound, in.TurnID)
	}

	now := nowUTC()
	existing.FinalizedAtUTC = &now
	existing.AnswerNeutral = in.AnswerNeutral
	existing.AnswerTranslated = in.AnswerTranslated
	existing.AnswerTranslatedIsFallback = in.AnswerTranslatedIsFallback

	_, err = d.repo.Update(ctx, existing)
	return err
}

// ListRecentFinalizedTurnsBySession returns turns for sessionID, finalized
// only, sorted by finalized_at_utc ascending, limited.
func (d *DurableStore) ListRecentFinalizedTurnsBySession(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	turns, err := d.repo.List(ctx, repo.ListOpts{
		Filter: map[string]any{"session_id": sessionID},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	var finalized []Turn
	for _, t := range turns {
		if t.FinalizedAtUTC != nil {
			finalized = append(finalized, t)
		}
	}
	sort.Slice(finalized, func(i, j int) bool {
		return finalized[i].FinalizedAtUTC.Before(*finalized[j].FinalizedAtUTC)
	})
	if limit > 0 && len(finalized) > limit {
		finalized = finalized[len(finalized)-limit:]
	}
	return finalized, nil
}
