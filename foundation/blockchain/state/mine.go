package state

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// ErrNoTransactions is returned when a block is requested to be created
// and there are not enough transactions.
var ErrNoTransactions = errors.New("no transactions in mempool")

// MineNewBlock attempts to create a new block with a proper hash that can
// become the next block in the chain.
func (s *State) MineNewBlock(ctx context.Context) (database.Block, error) {
	s.evHandler("state: MineNewBlock: MINING: check mempool count")

	// Are there enough transactions in the pool.
	if s.mempool.Count() == 0 {
		return database.Block{}, ErrNoTransactions
	}

	// Capture the tip and the consensus values for the next block while
	// holding the lock; the proof of work itself runs without it.
	s.mu.Lock()
	tip := s.tipEntry()
	targetHex, err := s.expectedTargetHex(tip)
	if err != nil {
		s.mu.Unlock()
		return database.Block{}, err
	}
	picked := s.mempool.PickBest(s.genesis.BlockMaxWeight)
	s.mu.Unlock()

	if len(picked) == 0 {
		return database.Block{}, ErrNoTransactions
	}
	if max := s.genesis.TransPerBlock - 1; len(picked) > max {
		picked = picked[:max]
	}

	var fees uint64
	trans := make([]database.SignedTx, len(picked))
	for i, vt := range picked {
		trans[i] = vt.Tx
		fees += vt.Fee
	}

	s.evHandler("state: MineNewBlock: MINING: perform POW: txs[%d] fees[%d]", len(trans), fees)

	// Attempt to create a new block by solving the POW puzzle. This can be
	// cancelled.
	block, err := database.POW(ctx, database.POWArgs{
		ChainID:       s.genesis.ChainID,
		BeneficiaryID: s.beneficiaryID,
		TargetHex:     targetHex,
		Reward:        s.genesis.IssuanceSchedule(tip.height+1) + fees,
		PrevHash:      tip.hash,
		PrevNumber:    tip.height,
		Trans:         trans,
		EvHandler:     s.evHandler,
	})
	if err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not cancelled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: MINING: connect to chain")

	if err := s.SubmitBlock(database.NewBlockData(block)); err != nil {
		return database.Block{}, err
	}

	return block, nil
}
