// Package graphprovider defines the dependency-graph protocol: seed
// expansion, node-text fetching, and optional ACL filtering. The Neo4j
// reference Provider, BuiltinProvider, lives in builtin.go (with its
// full-text search in fulltext.go).
package graphprovider

import "context"

// Edge is a directed relationship discovered during expansion.
type Edge struct {
	From string
	To   string
	Type string
}

// ExpandResult is the outcome of a dependency-tree expansion.
type ExpandResult struct {
	Nodes []string // BFS discovery order
	Edges []Edge
}

// NodeText is a fetched node body.
type NodeText struct {
	ID   string
	Text string
}

// Provider is the graph provider protocol.
type Provider interface {
	Expand(ctx context.Context, seedNodes []string, maxDepth, maxNodes int, edgeAllowlist []string, repository, branch, snapshotID string) (ExpandResult, error)
	FetchNodeTexts(ctx context.Context, nodeIDs []string, repository, branch, snapshotID string, maxChars int) ([]NodeText, error)
	// FilterByPermissions is optional; a nil Provider.FilterByPermissions
	// capability is detected via the PermissionFilterer interface below.
}

// PermissionFilterer is an optional capability some providers implement to
// strip nodes the caller's identity cannot see.
type PermissionFilterer interface {
	FilterByPermissions(ctx context.Context, nodeIDs []string, identityID string) ([]string, error)
}
