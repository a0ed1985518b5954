package graphprovider

import (
	"context"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BuiltinProvider is the reference Provider: a BFS dependency-graph walk
// over an in-memory adjacency cache loaded from Neo4j, keyed by
// (repository, snapshot_id). Edges are mirrored (expansion is undirected)
// and the allowlist filter strips a sql_/cs_ prefix before matching, so a
// caller can allowlist "fk" and match both "sql_fk" and "cs_fk" edges.
type BuiltinProvider struct {
	driver neo4j.DriverWithContext

	mu    sync.RWMutex
	cache map[cacheKey]*adjacency
}

type cacheKey struct {
	repo       string
	snapshotID string
}

type adjacency struct {
	edges     []Edge
	neighbors map[string][]neighborEdge
}

type neighborEdge struct {
	to   string
	typ  string
}

// NewBuiltinProvider wraps an existing Neo4j driver.
func NewBuiltinProvider(driver neo4j.DriverWithContext) *BuiltinProvider {
	return &BuiltinProvider{driver: driver, cache: map[cacheKey]*adjacency{}}
}

// Expand implements Provider.Expand: BFS from seedNodes through the cached
// adjacency for (repository, snapshotID), halting at maxDepth/maxNodes,
// filtered by edgeAllowlist (empty allowlist means "no filter").
func (p *BuiltinProvider) Expand(ctx context.Context, seedNodes []string, maxDepth, maxNodes int, edgeAllowlist []string, repository, branch, snapshotID string) (ExpandResult, error) {
	adj, err := p.loadAdjacency(ctx, repository, snapshotID)
	if err != nil {
		return ExpandResult{}, err
	}

	allow := make(map[string]bool, len(edgeAllowlist))
	for _, a := range edgeAllowlist {
		allow[a] = true
	}

	visited := map[string]bool{}
	var order []string
	var discoveredEdges []Edge
	type frontierNode struct {
		id    string
		depth int
	}
	queue := make([]frontierNode, 0, len(seedNodes))
	for _, s := range seedNodes {
		if !visited[s] {
			visited[s] = true
			queue = append(queue, frontierNode{id: s, depth: 0})
			order = append(order, s)
		}
	}

	for len(queue) > 0 && len(order) < maxNodes {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, ne := range adj.neighbors[cur.id] {
			if !edgeTypeAllowed(allow, ne.typ) {
				continue
			}
			discoveredEdges = append(discoveredEdges, Edge{From: cur.id, To: ne.to, Type: ne.typ})
			if visited[ne.to] {
				continue
			}
			if len(order) >= maxNodes {
				break
			}
			visited[ne.to] = true
			order = append(order, ne.to)
			queue = append(queue, frontierNode{id: ne.to, depth: cur.depth + 1})
		}
	}

	return ExpandResult{Nodes: order, Edges: discoveredEdges}, nil
}

// edgeTypeAllowed reports whether typ passes the allowlist: an empty
// allowlist passes everything; otherwise typ must match an allowed entry
// directly or after stripping a sql_/cs_ prefix.
func edgeTypeAllowed(allow map[string]bool, typ string) bool {
	if len(allow) == 0 {
		return true
	}
	if allow[typ] {
		return true
	}
	stripped := strings.TrimPrefix(strings.TrimPrefix(typ, "sql_"), "cs_")
	return allow[stripped]
}

// loadAdjacency returns the cached adjacency for (repo, snapshotID),
// double-checked-locking a fresh Neo4j load on first access.
func (p *BuiltinProvider) loadAdjacency(ctx context.Context, repo, snapshotID string) (*adjacency, error) {
	key := cacheKey{repo: repo, snapshotID: snapshotID}

	p.mu.RLock()
	if adj, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return adj, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if adj, ok := p.cache[key]; ok {
		return adj, nil
	}

	adj, err := p.fetchAllEdges(ctx, repo, snapshotID)
	if err != nil {
		return nil, err
	}
	p.cache[key] = adj
	return adj, nil
}

func (p *BuiltinProvider) fetchAllEdges(ctx context.Context, repo, snapshotID string) (*adjacency, error) {
	sess := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Node {repo: $repo, snapshot_id: $snapshot_id})-[r]->(b:Node {repo: $repo, snapshot_id: $snapshot_id})
	           RETURN a.id AS from_id, b.id AS to_id, type(r) AS rel_type`
	result, err := sess.Run(ctx, cypher, map[string]any{"repo": repo, "snapshot_id": snapshotID})
	if err != nil {
		return nil, err
	}

	adj := &adjacency{neighbors: map[string][]neighborEdge{}}
	for result.Next(ctx) {
		rec := result.Record()
		from, _ := rec.Get("from_id")
		to, _ := rec.Get("to_id")
		relType, _ := rec.Get("rel_type")
		fromID, _ := from.(string)
		toID, _ := to.(string)
		typ, _ := relType.(string)

		adj.edges = append(adj.edges, Edge{From: fromID, To: toID, Type: typ})
		adj.neighbors[fromID] = append(adj.neighbors[fromID], neighborEdge{to: toID, typ: typ})
		adj.neighbors[toID] = append(adj.neighbors[toID], neighborEdge{to: fromID, typ: typ})
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return adj, nil
}

// FetchNodeTexts implements Provider.FetchNodeTexts, capping each node's
// body at maxChars (a storage-layer safety cap distinct from
// fetch_node_texts' own overall budget enforcement).
func (p *BuiltinProvider) FetchNodeTexts(ctx context.Context, nodeIDs []string, repository, branch, snapshotID string, maxChars int) ([]NodeText, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	sess := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Node {repo: $repo, branch: $branch, snapshot_id: $snapshot_id})
	           WHERE n.id IN $ids
	           RETURN n.id AS id, n.text AS text`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"repo":        repository,
		"branch":      branch,
		"snapshot_id": snapshotID,
		"ids":         nodeIDs,
	})
	if err != nil {
		return nil, err
	}

	byID := map[string]string{}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		text, _ := rec.Get("text")
		idStr, _ := id.(string)
		textStr, _ := text.(string)
		if maxChars > 0 && len(textStr) > maxChars {
			textStr = textStr[:maxChars]
		}
		byID[idStr] = textStr
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	out := make([]NodeText, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if text, ok := byID[id]; ok {
			out = append(out, NodeText{ID: id, Text: text})
		}
	}
	return out, nil
}
