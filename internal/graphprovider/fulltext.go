package graphprovider

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// FullTextHit is one lexical match from SearchFullText.
type FullTextHit struct {
	ID    string
	Score float64
}

// SearchFullText runs query against Neo4j's "nodeText" full-text index,
// scoped to repo/snapshotID, returning up to limit hits ordered by Neo4j's
// own relevance score. The index is expected to be created once out-of-band
// (CREATE FULLTEXT INDEX nodeText FOR (n:Node) ON EACH [n.text]); a missing
// index surfaces as the underlying driver error rather than being masked
// here, since bm25 search_nodes without a working index is a configuration
// problem the operator needs to see.
func (p *BuiltinProvider) SearchFullText(ctx context.Context, repo, snapshotID, query string, limit int) ([]FullTextHit, error) {
	sess := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `CALL db.index.fulltext.queryNodes("nodeText", $query) YIELD node, score
	           WHERE node.repo = $repo AND node.snapshot_id = $snapshot_id
	           RETURN node.id AS id, score
	           ORDER BY score DESC
	           LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"query":       query,
		"repo":        repo,
		"snapshot_id": snapshotID,
		"limit":       int64(limit),
	})
	if err != nil {
		return nil, err
	}

	var hits []FullTextHit
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		score, _ := rec.Get("score")
		idStr, _ := id.(string)
		scoreF, _ := score.(float64)
		hits = append(hits, FullTextHit{ID: idStr, Score: scoreF})
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}
