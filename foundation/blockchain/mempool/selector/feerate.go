package selector

import (
	"sort"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// feeRateSelect picks the transactions paying the best fee per byte while
// respecting the nonce order for each sender. A sender's transaction with a
// lower nonce is always taken before one with a higher nonce, even when the
// higher nonce pays a better rate.
var feeRateSelect = func(m map[database.AccountID][]Entry, maxWeight int) []database.ValidTx {

	// Sort the transactions per sender by nonce so the head of each queue
	// is the only candidate for that sender.
	for key := range m {
		sort.Slice(m[key], func(i, j int) bool {
			return m[key][i].Tx.Tx.Nonce < m[key][j].Tx.Tx.Nonce
		})
	}

	// Repeatedly take the best paying queue head that still fits. A head
	// that does not fit removes the whole queue: taking a later nonce
	// without the earlier one would break the contiguity rule.
	var final []database.ValidTx
	var weight int

	for len(m) > 0 {
		var bestKey database.AccountID
		var best Entry
		found := false

		for key, queue := range m {
			head := queue[0]
			if !found || betterFeeRate(head.Tx, best.Tx) ||
				(!betterFeeRate(best.Tx, head.Tx) && head.Added.Before(best.Added)) {
				bestKey = key
				best = head
				found = true
			}
		}

		if maxWeight != -1 && weight+best.Tx.Size > maxWeight {
			delete(m, bestKey)
			continue
		}

		final = append(final, best.Tx)
		weight += best.Tx.Size

		if m[bestKey] = m[bestKey][1:]; len(m[bestKey]) == 0 {
			delete(m, bestKey)
		}
	}

	return final
}
