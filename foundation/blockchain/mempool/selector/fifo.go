package selector

import (
	"sort"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// fifoSelect picks transactions oldest first while respecting the nonce
// order for each sender. Useful for nodes that value inclusion latency over
// fee revenue.
var fifoSelect = func(m map[database.AccountID][]Entry, maxWeight int) []database.ValidTx {
	for key := range m {
		sort.Slice(m[key], func(i, j int) bool {
			return m[key][i].Tx.Tx.Nonce < m[key][j].Tx.Tx.Nonce
		})
	}

	var final []database.ValidTx
	var weight int

	for len(m) > 0 {
		var bestKey database.AccountID
		var best Entry
		found := false

		for key, queue := range m {
			head := queue[0]
			if !found || head.Added.Before(best.Added) {
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
