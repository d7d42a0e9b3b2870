// Package evidence models retrieved policy passages that ground plan synthesis.
package evidence

import "sort"

// Evidence is one retrieved policy passage with its relevance score.
type Evidence struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Source  string  `json:"source"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score"`
}

// Sort orders items highest score first. Equal scores order by source
// ascending so repeated retrievals produce identical sequences.
func Sort(items []Evidence) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Source < items[j].Source
	})
}

// Merge combines base with extra passages from iterative retrieval,
// dropping duplicate sources and re-sorting the result.
func Merge(base, extra []Evidence) []Evidence {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]Evidence, 0, len(base)+len(extra))
	add := func(items []Evidence) {
		for _, e := range items {
			if e.Source != "" {
				if seen[e.Source] {
					continue
				}
				seen[e.Source] = true
			}
			out = append(out, e)
		}
	}
	add(base)
	add(extra)
	Sort(out)
	return out
}

// Top returns at most k items from the front of an already sorted slice.
func Top(items []Evidence, k int) []Evidence {
	if k < 0 {
		k = 0
	}
	if len(items) <= k {
		return items
	}
	return items[:k]
}
