package state

import (
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// SubmitWalletTransaction accepts a transaction from a wallet for inclusion
// into the blockchain. A successful admission wakes the miner.
func (s *State) SubmitWalletTransaction(signedTx database.SignedTx) error {
	s.evHandler("state: SubmitWalletTransaction: started: tx[%s]", signedTx)
	defer s.evHandler("state: SubmitWalletTransaction: completed")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsertValidated(signedTx); err != nil {
		return err
	}
	s.mempool.EnforceLimit(s.genesis.MempoolMaxSize)

	if s.Worker != nil {
		s.Worker.SignalStartMining()
	}

	return nil
}

// SubmitNodeTransaction accepts a transaction shared by another node for
// inclusion into the blockchain.
func (s *State) SubmitNodeTransaction(signedTx database.SignedTx) error {
	s.evHandler("state: SubmitNodeTransaction: started: tx[%s]", signedTx)
	defer s.evHandler("state: SubmitNodeTransaction: completed")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsertValidated(signedTx); err != nil {
		return err
	}
	s.mempool.EnforceLimit(s.genesis.MempoolMaxSize)

	return nil
}

// MempoolMaintenance drops expired transactions and enforces the capacity
// limit. Run periodically by the worker.
func (s *State) MempoolMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.genesis.MempoolTTL > 0 {
		if evicted := s.mempool.EvictExpired(time.Duration(s.genesis.MempoolTTL) * time.Second); evicted > 0 {
			s.evHandler("state: MempoolMaintenance: evicted [%d] expired transactions", evicted)
		}
	}
	if evicted := s.mempool.EnforceLimit(s.genesis.MempoolMaxSize); evicted > 0 {
		s.evHandler("state: MempoolMaintenance: evicted [%d] transactions over capacity", evicted)
	}
}

// upsertValidated validates the transaction against the confirmed state
// and the pending pool, then hands it to the mempool. The caller must hold
// the state lock.
func (s *State) upsertValidated(tx database.SignedTx) error {
	nonceOf := func(account database.AccountID) uint64 {
		confirmed := s.db.NonceOf(account)
		pending := s.mempool.PendingNonce(account, confirmed)

		// A transaction targeting a slot that is already pending is a
		// replacement candidate. Validate it against the nonce just below
		// its slot and let the replace-by-fee rule decide.
		if tx.Nonce > confirmed && tx.Nonce <= pending {
			return tx.Nonce - 1
		}
		return pending
	}

	vt, err := database.ValidateTx(tx, s.genesis.ChainID, s.db, nonceOf)
	if err != nil {
		return err
	}

	if _, err := s.mempool.Upsert(vt); err != nil {
		return err
	}

	return nil
}
