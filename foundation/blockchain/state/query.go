package state

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
)

// QueryLatest represents a request for the latest block in the chain.
const QueryLatest = ^uint64(0) >> 1

// TipInfo is a read-only view of the canonical tip.
type TipInfo struct {
	Hash      string `json:"hash"`
	Height    uint64 `json:"height"`
	CumWork   string `json:"cum_work"`
	TargetHex string `json:"target"`
	TimeStamp uint64 `json:"timestamp"`
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// QueryTip returns a view of the canonical tip.
func (s *State) QueryTip() TipInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.tipEntry()
	return TipInfo{
		Hash:      tip.hash,
		Height:    tip.height,
		CumWork:   tip.cumWork.String(),
		TargetHex: tip.targetHex,
		TimeStamp: tip.timeStamp,
	}
}

// QueryBalance sums the unspent outputs locked to the specified account.
func (s *State) QueryBalance(account database.AccountID) uint64 {
	return s.db.Balance(account)
}

// QueryUTXOs returns the unspent outputs locked to the specified account.
func (s *State) QueryUTXOs(account database.AccountID) []database.UTXO {
	return s.db.UTXOsByAccount(account)
}

// QueryNextNonce returns the nonce a wallet should use for its next
// transaction, accounting for transactions still in the pool.
func (s *State) QueryNextNonce(account database.AccountID) uint64 {
	return s.mempool.PendingNonce(account, s.db.NonceOf(account)) + 1
}

// QueryMempool returns a copy of the pooled transactions.
func (s *State) QueryMempool() []database.ValidTx {
	return s.mempool.Transactions()
}

// QueryMempoolLength returns the current length of the mempool.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// QueryStateHash returns the hash over the current UTXO state.
func (s *State) QueryStateHash() string {
	return s.db.HashState()
}

// QueryBlockByHash returns the stored block with the specified hash.
func (s *State) QueryBlockByHash(hash string) (database.BlockData, error) {
	return s.storage.GetBlock(hash)
}

// QueryBlocksByNumber returns the canonical blocks in the specified height
// range, walking the tree from the tip.
func (s *State) QueryBlocksByNumber(from uint64, to uint64) []database.BlockData {
	s.mu.Lock()
	tip := s.tipEntry()
	if from == QueryLatest {
		from = tip.height
		to = from
	}
	if to == QueryLatest {
		to = tip.height
	}

	var hashes []string
	for height := from; height <= to && height >= 1; height++ {
		entry, err := s.ancestorAtHeight(tip, height)
		if err != nil {
			break
		}
		hashes = append(hashes, entry.hash)
	}
	s.mu.Unlock()

	var out []database.BlockData
	for _, hash := range hashes {
		blockData, err := s.storage.GetBlock(hash)
		if err != nil {
			s.evHandler("state: QueryBlocksByNumber: ERROR: %s", err)
			return nil
		}
		out = append(out, blockData)
	}

	return out
}
