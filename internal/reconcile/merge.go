// Package reconcile keeps the local pattern cache consistent with the
// remote analysis service without losing local-only patterns or local
// progress the remote side has not caught up with.
package reconcile

import (
	"fmt"

	"github.com/flowmint/flowmint/pkg/models"
)

// Result is the outcome of merging one remote snapshot.
type Result struct {
	// Patterns is the local set after the merge, local order first and
	// newly discovered patterns appended in remote order.
	Patterns []models.Pattern
	Added    []string // ids inserted from the remote snapshot
	Adopted  []string // ids whose status was taken from the remote snapshot
}

// Changed reports whether the merge altered anything.
func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Adopted) > 0
}

// Summary is the human-readable log line for the pass.
func (r Result) Summary() string {
	return fmt.Sprintf("Analysis complete. Found %d new patterns.", len(r.Added))
}

// Merge applies a remote snapshot to local. A remote pattern with an
// unknown id is inserted. A known pattern adopts the remote status, code
// and tx hash when the statuses differ and the remote one has progressed
// past DETECTED; a remote DETECTED never overwrites local progress. Empty
// remote code or tx hash leave the local values alone. Within one snapshot
// the first occurrence of an id wins.
//
// Merge is pure: neither input is modified.
func Merge(local, remote []models.Pattern) Result {
	res := Result{Patterns: make([]models.Pattern, 0, len(local)+len(remote))}
	index := make(map[string]int, len(local))
	for _, p := range local {
		index[p.ID] = len(res.Patterns)
		res.Patterns = append(res.Patterns, p.Clone())
	}

	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		if rp.ID == "" || seen[rp.ID] {
			continue
		}
		seen[rp.ID] = true
		if rp.Status == "" {
			rp.Status = models.StatusDetected
		}

		i, ok := index[rp.ID]
		if !ok {
			index[rp.ID] = len(res.Patterns)
			res.Patterns = append(res.Patterns, rp.Clone())
			res.Added = append(res.Added, rp.ID)
			continue
		}

		cur := &res.Patterns[i]
		if cur.Status == rp.Status || rp.Status == models.StatusDetected {
			continue
		}
		cur.Status = rp.Status
		if rp.Code != "" {
			cur.Code = rp.Code
		}
		if rp.TxHash != "" {
			cur.TxHash = rp.TxHash
		}
		res.Adopted = append(res.Adopted, rp.ID)
	}
	return res
}
