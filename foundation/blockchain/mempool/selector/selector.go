// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// List of different select strategies.
const (
	StrategyFeeRate = "feerate"
	StrategyFIFO    = "fifo"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyFeeRate: feeRateSelect,
	StrategyFIFO:    fifoSelect,
}

// Entry is a pooled transaction together with the time it entered the pool,
// which strategies use to break ties deterministically.
type Entry struct {
	Tx    database.ValidTx
	Added time.Time
}

// Func defines a function that takes pooled transactions grouped by sender
// and selects transactions in an order based on the function's strategy,
// stopping before the summed transaction sizes exceed maxWeight. All
// selector functions MUST respect nonce ordering within a sender. Receiving
// -1 for maxWeight must return all the transactions in the strategy's
// ordering.
type Func func(m map[database.AccountID][]Entry, maxWeight int) []database.ValidTx

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// betterFeeRate reports whether a pays a strictly higher fee per byte than
// b. The comparison cross multiplies using the full 128 bit products so
// extreme fees cannot wrap around.
func betterFeeRate(a, b database.ValidTx) bool {
	aHi, aLo := bits.Mul64(a.Fee, uint64(b.Size))
	bHi, bLo := bits.Mul64(b.Fee, uint64(a.Size))
	return aHi > bHi || (aHi == bHi && aLo > bLo)
}
