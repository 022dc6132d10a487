package datagen

import (
	"math/rand"
	"strings"
)

// RowCountForHint maps a schema's free-text RowOrderHint (spec §3's Table
// type) onto the 200-5,000 default range from spec §4.3.4, with the largest
// tables (orders, events, transaction-style facts) at the high end.
func RowCountForHint(hint string) int {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case strings.Contains(h, "large") || strings.Contains(h, "high"):
		return 5000
	case strings.Contains(h, "small") || strings.Contains(h, "low"):
		return 200
	case h == "":
		return 1000
	default:
		return 1000
	}
}

// BatchRowCount splits a target row count into LLM-call-sized batches: a
// single markdown-table response realistically tops out a few dozen rows
// before the model starts dropping or truncating, so large tables are
// filled by repeated calls rather than one oversized prompt.
func BatchRowCount(target, maxPerCall int) []int {
	if maxPerCall <= 0 {
		maxPerCall = 50
	}
	if target <= 0 {
		return nil
	}
	var batches []int
	remaining := target
	for remaining > 0 {
		n := maxPerCall
		if n > remaining {
			n = remaining
		}
		batches = append(batches, n)
		remaining -= n
	}
	return batches
}

// SampleParentID picks a uniformly random existing parent row's primary key
// for a foreign-key value, maintaining spec §3's "foreign-key values are
// sampled from the already-generated parent id pool" invariant.
func SampleParentID(rng *rand.Rand, parentIDs []any) any {
	if len(parentIDs) == 0 {
		return nil
	}
	return parentIDs[rng.Intn(len(parentIDs))]
}
