// Package mempool maintains the pool of pending transactions, enforcing the
// replace-by-fee and conflict rules between them.
package mempool

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool/selector"
)

// Mempool represents a cache of validated transactions organized by
// account:nonce, with a second index on the outpoints the transactions
// claim so conflicting spends are detected on admission.
type Mempool struct {
	mu         sync.RWMutex
	pool       map[string]selector.Entry
	byOutpoint map[database.Outpoint]string
	selectFn   selector.Func
}

// New constructs a new mempool using the default select strategy.
func New() (*Mempool, error) {
	return NewWithStrategy(selector.StrategyFeeRate)
}

// NewWithStrategy constructs a new mempool with the specified select
// strategy.
func NewWithStrategy(strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:       make(map[string]selector.Entry),
		byOutpoint: make(map[database.Outpoint]string),
		selectFn:   selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Upsert adds the transaction to the pool. A transaction that collides with
// a pooled one, either on the sender:nonce slot or on a claimed outpoint,
// replaces every transaction it collides with only when it pays a strictly
// higher fee rate than each of them; otherwise it is rejected with the
// Conflict reason. Replacing a transaction from another sender also drops
// that sender's higher nonces, since their chain is broken.
func (mp *Mempool) Upsert(vt database.ValidTx) (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := mapKey(vt.From, vt.Tx.Nonce)

	// Find every pooled transaction the new one collides with.
	conflicts := make(map[string]selector.Entry)
	if entry, exists := mp.pool[key]; exists {
		conflicts[key] = entry
	}
	for _, in := range vt.Tx.Inputs {
		if conflictKey, exists := mp.byOutpoint[in]; exists && conflictKey != key {
			entry := mp.pool[conflictKey]

			// A sender can only replace within the same nonce slot. Winning
			// an outpoint from one of its own other slots would evict that
			// slot and leave a nonce gap behind.
			if entry.Tx.From == vt.From {
				return len(mp.pool), database.NewRejectError(database.RejectConflict,
					"input %s is already claimed by the sender's pooled transaction %s", in, conflictKey)
			}
			conflicts[conflictKey] = entry
		}
	}

	for conflictKey, entry := range conflicts {
		if !betterFeeRate(vt, entry.Tx) {
			return len(mp.pool), database.NewRejectError(database.RejectConflict,
				"conflicts with pooled transaction %s without a higher fee rate", conflictKey)
		}
	}

	for conflictKey, entry := range conflicts {
		if conflictKey == key {
			mp.remove(conflictKey)
			continue
		}
		mp.removeChainFrom(entry.Tx.From, entry.Tx.Tx.Nonce)
	}

	mp.pool[key] = selector.Entry{Tx: vt, Added: time.Now().UTC()}
	for _, in := range vt.Tx.Inputs {
		mp.byOutpoint[in] = key
	}

	return len(mp.pool), nil
}

// RemoveConfirmed drops the transactions a newly connected block confirmed,
// along with any pooled transaction whose slot or inputs that block
// consumed.
func (mp *Mempool) RemoveConfirmed(txs []database.SignedTx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		if tx.IsCoinbase() {
			continue
		}

		from, err := tx.FromAccount()
		if err != nil {
			continue
		}

		// Any input the block spent invalidates the pooled transaction
		// claiming it, and that sender's chain above it. The confirmed
		// transaction's own slot is exempt: its higher nonces are still
		// contiguous with the confirmed state.
		for _, in := range tx.Inputs {
			if key, exists := mp.byOutpoint[in]; exists && key != mapKey(from, tx.Nonce) {
				entry := mp.pool[key]
				mp.removeChainFrom(entry.Tx.From, entry.Tx.Tx.Nonce)
			}
		}

		mp.remove(mapKey(from, tx.Nonce))
	}
}

// Reconcile revalidates every pooled transaction against the current
// confirmed state and drops the ones that no longer apply. Called after a
// reorg, when transactions from abandoned blocks return to the pool and
// pooled transactions may have lost their inputs.
func (mp *Mempool) Reconcile(chainID uint16, view database.UTXOView, nonceOf database.NonceFunc) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	// Pending nonces must stay contiguous with the confirmed nonce, so walk
	// each sender's chain in order and cut it at the first invalid link.
	bySender := make(map[database.AccountID][]selector.Entry)
	for _, entry := range mp.pool {
		bySender[entry.Tx.From] = append(bySender[entry.Tx.From], entry)
	}

	var dropped int
	for from, entries := range bySender {
		confirmed := nonceOf(from)

		nonce := confirmed
		for {
			entry, exists := mp.pool[mapKey(from, nonce+1)]
			if !exists {
				break
			}
			if _, err := database.ValidateTx(entry.Tx.Tx, chainID, view, func(database.AccountID) uint64 { return nonce }); err != nil {
				break
			}
			nonce++
		}

		// Keep only the contiguous valid run above the confirmed nonce.
		for _, entry := range entries {
			if entry.Tx.Tx.Nonce <= confirmed || entry.Tx.Tx.Nonce > nonce {
				mp.remove(mapKey(from, entry.Tx.Tx.Nonce))
				dropped++
			}
		}
	}

	return dropped
}

// EvictExpired drops transactions that have been pending longer than the
// specified time to live, and the sender chains above them.
func (mp *Mempool) EvictExpired(ttl time.Duration) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)

	var expired []selector.Entry
	for _, entry := range mp.pool {
		if entry.Added.Before(cutoff) {
			expired = append(expired, entry)
		}
	}

	before := len(mp.pool)
	for _, entry := range expired {
		mp.removeChainFrom(entry.Tx.From, entry.Tx.Tx.Nonce)
	}

	return before - len(mp.pool)
}

// EnforceLimit evicts the lowest paying transactions until the pool holds
// no more than maxSize. Only transactions without a pooled descendant are
// candidates, so a sender's chain is trimmed from the top.
func (mp *Mempool) EnforceLimit(maxSize int) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var evicted int
	for len(mp.pool) > maxSize {
		var worstKey string
		var worst selector.Entry
		found := false

		for key, entry := range mp.pool {
			if _, exists := mp.pool[mapKey(entry.Tx.From, entry.Tx.Tx.Nonce+1)]; exists {
				continue
			}
			if !found || betterFeeRate(worst.Tx, entry.Tx) {
				worstKey = key
				worst = entry
				found = true
			}
		}

		if !found {
			break
		}

		mp.remove(worstKey)
		evicted++
	}

	return evicted
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]selector.Entry)
	mp.byOutpoint = make(map[database.Outpoint]string)
}

// PickBest uses the configured select strategy to return the next set of
// transactions for the next block, whose summed sizes fit maxWeight.
// Passing -1 returns everything in the strategy's order.
func (mp *Mempool) PickBest(maxWeight int) []database.ValidTx {

	// Group a copy of the transactions by sender for the strategy to own.
	m := make(map[database.AccountID][]selector.Entry)
	mp.mu.RLock()
	{
		for _, entry := range mp.pool {
			m[entry.Tx.From] = append(m[entry.Tx.From], entry)
		}
	}
	mp.mu.RUnlock()

	return mp.selectFn(m, maxWeight)
}

// Transactions returns a copy of every pooled transaction in the default
// strategy order for API views.
func (mp *Mempool) Transactions() []database.ValidTx {
	return mp.PickBest(-1)
}

// PendingNonce returns the highest pooled nonce for the sender, or the
// confirmed nonce when the sender has nothing pending. Wallets use this to
// chain transactions without waiting for confirmation.
func (mp *Mempool) PendingNonce(account database.AccountID, confirmed uint64) uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	nonce := confirmed
	for {
		if _, exists := mp.pool[mapKey(account, nonce+1)]; !exists {
			return nonce
		}
		nonce++
	}
}

// =============================================================================

// remove drops a single entry and its outpoint claims.
func (mp *Mempool) remove(key string) {
	entry, exists := mp.pool[key]
	if !exists {
		return
	}

	for _, in := range entry.Tx.Tx.Inputs {
		if mp.byOutpoint[in] == key {
			delete(mp.byOutpoint, in)
		}
	}
	delete(mp.pool, key)
}

// removeChainFrom drops the sender's entry at the specified nonce and every
// pooled entry above it, since the chain is no longer contiguous.
func (mp *Mempool) removeChainFrom(account database.AccountID, nonce uint64) {
	for {
		key := mapKey(account, nonce)
		if _, exists := mp.pool[key]; !exists {
			return
		}
		mp.remove(key)
		nonce++
	}
}

// betterFeeRate reports whether a pays a strictly higher fee per byte than
// b. The cross multiplication avoids integer division loss and uses the
// full 128 bit products so extreme fees cannot wrap around.
func betterFeeRate(a, b database.ValidTx) bool {
	aHi, aLo := bits.Mul64(a.Fee, uint64(b.Size))
	bHi, bLo := bits.Mul64(b.Fee, uint64(a.Size))
	return aHi > bHi || (aHi == bHi && aLo > bLo)
}

// mapKey is used to generate the map key.
func mapKey(account database.AccountID, nonce uint64) string {
	return fmt.Sprintf("%s:%d", account, nonce)
}
