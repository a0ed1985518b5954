// Package canonid parses and validates the canonical node id format
// "<repo>::<snapshot>::<kind>::<local_id>" used throughout graph expansion
// and node-text fetching.
package canonid

import (
	"fmt"
	"strings"
)

const sep = "::"

// ID is a parsed canonical node id.
type ID struct {
	Repo       string
	SnapshotID string
	Kind       string
	LocalID    string
}

// Parse splits a canonical id into its four components. It is fatal (per the
// graph provider protocol) for a malformed id to reach the provider.
func Parse(raw string) (ID, error) {
	parts := strings.Split(raw, sep)
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("canonid: %q is not a valid canonical id (want repo::snapshot::kind::local)", raw)
	}
	for i, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("canonid: %q has an empty component at position %d", raw, i)
		}
	}
	return ID{Repo: parts[0], SnapshotID: parts[1], Kind: parts[2], LocalID: parts[3]}, nil
}

// String reassembles the canonical form.
func (id ID) String() string {
	return strings.Join([]string{id.Repo, id.SnapshotID, id.Kind, id.LocalID}, sep)
}

// RepoSnapshot derives the (repo, snapshot_id) pair shared by a set of seed
// ids, failing if they disagree — the graph provider must reject mismatched
// seed ids as a security-abuse condition.
func RepoSnapshot(ids []string) (repo, snapshot string, err error) {
	for i, raw := range ids {
		parsed, perr := Parse(raw)
		if perr != nil {
			return "", "", perr
		}
		if i == 0 {
			repo, snapshot = parsed.Repo, parsed.SnapshotID
			continue
		}
		if parsed.Repo != repo || parsed.SnapshotID != snapshot {
			return "", "", fmt.Errorf("canonid: mismatched seed ids: %q vs repo=%s snapshot=%s", raw, repo, snapshot)
		}
	}
	return repo, snapshot, nil
}
