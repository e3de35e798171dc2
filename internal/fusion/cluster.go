// Package fusion consolidates fading memories: it finds clusters of
// related dormant entries and asks the LLM to fuse each cluster into a
// single derived memory, superseding the sources.
package fusion

import (
	"sort"

	"github.com/nextlevelbuilder/haven/internal/memory"
)

// FindClusters builds connected components over the candidate entries
// using the existing relation edges. Components are split by category
// unless crossCategory is set, dropped when smaller than
// minClusterSize, and capped at maxClusters largest-first.
func FindClusters(entries []*memory.Entry, relations []*memory.Relation, minClusterSize, maxClusters int, crossCategory bool) [][]*memory.Entry {
	if minClusterSize <= 0 {
		minClusterSize = 3
	}
	if maxClusters <= 0 {
		maxClusters = 5
	}

	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.ID] = i
	}

	parent := make([]int, len(entries))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	for _, r := range relations {
		si, ok1 := idx[r.SourceID]
		ti, ok2 := idx[r.TargetID]
		if ok1 && ok2 {
			union(si, ti)
		}
	}

	components := make(map[int][]*memory.Entry)
	for i, e := range entries {
		root := find(i)
		components[root] = append(components[root], e)
	}

	var clusters [][]*memory.Entry
	for _, comp := range components {
		if crossCategory {
			clusters = append(clusters, comp)
			continue
		}
		byCat := make(map[string][]*memory.Entry)
		for _, e := range comp {
			byCat[e.Category] = append(byCat[e.Category], e)
		}
		for _, group := range byCat {
			clusters = append(clusters, group)
		}
	}

	var kept [][]*memory.Entry
	for _, c := range clusters {
		if len(c) >= minClusterSize {
			kept = append(kept, c)
		}
	}

	// Largest first; ties broken by oldest member ID for determinism.
	sort.Slice(kept, func(i, j int) bool {
		if len(kept[i]) != len(kept[j]) {
			return len(kept[i]) > len(kept[j])
		}
		return kept[i][0].ID < kept[j][0].ID
	})
	if len(kept) > maxClusters {
		kept = kept[:maxClusters]
	}
	return kept
}
