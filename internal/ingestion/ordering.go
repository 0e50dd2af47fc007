package ingestion

import (
	"slices"
	"sort"

	"tokenwatch/internal/solana"
)

// OldestFirst returns a copy of a newest-first page ordered by
// (slot ASC, timestamp ASC). Ties keep chain order.
func OldestFirst(txs []solana.EnhancedTransaction) []solana.EnhancedTransaction {
	out := slices.Clone(txs)
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		return compareTx(&out[i], &out[j]) < 0
	})
	return out
}

// compareTx returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (slot ASC, timestamp ASC)
func compareTx(a, b *solana.EnhancedTransaction) int {
	if a.Slot != b.Slot {
		if a.Slot < b.Slot {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return 0
}
