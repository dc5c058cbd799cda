package state

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// BlockRejectReason is the closed set of reasons a block can be rejected.
type BlockRejectReason string

// The complete set of block rejection reasons.
const (
	BlockRejectMalformedStructure BlockRejectReason = "MalformedStructure"
	BlockRejectBadParent          BlockRejectReason = "BadParent"
	BlockRejectBadProofOfWork     BlockRejectReason = "BadProofOfWork"
	BlockRejectBadTimestamp       BlockRejectReason = "BadTimestamp"
	BlockRejectBadMerkleRoot      BlockRejectReason = "BadMerkleRoot"
	BlockRejectInvalidTransaction BlockRejectReason = "InvalidTransaction"
	BlockRejectRewardMismatch     BlockRejectReason = "RewardMismatch"
)

// BlockRejectError is returned when a block fails validation. Rejected
// blocks are discarded, never partially applied.
type BlockRejectError struct {
	Reason BlockRejectReason
	Err    error
}

// NewBlockRejectError constructs a block reject error for the specified
// reason.
func NewBlockRejectError(reason BlockRejectReason, format string, args ...any) error {
	return &BlockRejectError{
		Reason: reason,
		Err:    fmt.Errorf(format, args...),
	}
}

// Error implements the error interface.
func (bre *BlockRejectError) Error() string {
	return fmt.Sprintf("%s: %s", bre.Reason, bre.Err)
}

// Unwrap returns the inner error for errors.Is/As support.
func (bre *BlockRejectError) Unwrap() error {
	return bre.Err
}

// OrphanError is returned when a block's parent is not known yet. The block
// is held unvalidated until the parent arrives; the network layer should
// request the missing parent.
type OrphanError struct {
	BlockHash     string
	MissingParent string
}

// Error implements the error interface.
func (oe *OrphanError) Error() string {
	return fmt.Sprintf("block %s is an orphan, missing parent %s", oe.BlockHash, oe.MissingParent)
}

// ErrAlreadyKnown is returned when a submitted block is already in the tree.
var ErrAlreadyKnown = errors.New("block already known")

// =============================================================================

// ProcessPeerBlock takes a block received from a peer and submits it,
// stopping any in-flight mining first since the work may now be stale.
func (s *State) ProcessPeerBlock(blockData database.BlockData) error {
	s.evHandler("state: ProcessPeerBlock: started: block[%s]", blockData.Hash)
	defer s.evHandler("state: ProcessPeerBlock: completed")

	// If a mining operation is in flight it needs to stop immediately. The
	// goroutine running it will not return until done is called, which lets
	// this function finish its state changes before mining restarts.
	if s.Worker != nil {
		done := s.Worker.SignalCancelMining()
		defer func() {
			s.evHandler("state: ProcessPeerBlock: signal mining to restart")
			done()
		}()
	}

	return s.SubmitBlock(blockData)
}

// SubmitBlock validates the block and connects it to the tree. The outcome
// is one of: nil (accepted, tip possibly moved), ErrAlreadyKnown,
// OrphanError (parent missing, held for later), or BlockRejectError. After
// a block connects, any orphans waiting on it are connected as well.
func (s *State) SubmitBlock(blockData database.BlockData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.submitBlock(blockData)
	if err != nil {
		return err
	}

	s.connectOrphans(hash)
	return nil
}

// submitBlock does the real work of SubmitBlock under the state lock.
func (s *State) submitBlock(blockData database.BlockData) (string, error) {
	block, err := database.ToBlock(blockData)
	if err != nil {
		return "", NewBlockRejectError(BlockRejectMalformedStructure, "unable to rebuild block: %s", err)
	}

	hash, err := block.Hash()
	if err != nil {
		return "", NewBlockRejectError(BlockRejectMalformedStructure, "unhashable header: %s", err)
	}

	if _, exists := s.index[hash]; exists {
		return "", ErrAlreadyKnown
	}

	parent, exists := s.index[block.Header.PrevBlockHash]
	if !exists {
		s.evHandler("state: submitBlock: ORPHAN: block[%s] missing parent[%s]", hash, block.Header.PrevBlockHash)
		s.orphans[block.Header.PrevBlockHash] = append(s.orphans[block.Header.PrevBlockHash], blockData)
		return "", &OrphanError{BlockHash: hash, MissingParent: block.Header.PrevBlockHash}
	}

	if err := s.validateHeader(block, parent); err != nil {
		return "", err
	}

	target, err := block.Header.Target()
	if err != nil {
		return "", NewBlockRejectError(BlockRejectMalformedStructure, "unreadable target: %s", err)
	}

	entry := &blockEntry{
		hash:       hash,
		parentHash: parent.hash,
		height:     block.Header.Number,
		timeStamp:  block.Header.TimeStamp,
		targetHex:  block.Header.TargetHex,
		cumWork:    new(big.Int).Add(parent.cumWork, database.Work(target)),
	}

	// A block extending the canonical tip is fully validated and applied
	// right away. A side chain block only gets header validation; its
	// transactions are checked if and when a reorg makes it canonical.
	if parent.hash == s.tipHash {
		if err := s.connectTip(block, blockData, entry); err != nil {
			return "", err
		}
		s.evHandler("state: submitBlock: NEW TIP: block[%s] height[%d]", hash, entry.height)
		return hash, nil
	}

	if err := s.storage.WriteBlock(blockData); err != nil {
		return "", err
	}
	if err := s.addEntry(entry); err != nil {
		return "", err
	}

	if entry.cumWork.Cmp(s.tipEntry().cumWork) > 0 {
		s.evHandler("state: submitBlock: FORK CHOICE: side chain block[%s] has more work", hash)
		if err := s.reorgTo(entry); err != nil {
			return "", err
		}
		return hash, nil
	}

	// Equal cumulative work keeps the current tip: first seen wins.
	s.evHandler("state: submitBlock: SIDE CHAIN: stored block[%s] height[%d]", hash, entry.height)
	return hash, nil
}

// connectOrphans submits any blocks that were waiting for the specified
// block to arrive, cascading through their own children.
func (s *State) connectOrphans(hash string) {
	queue := []string{hash}
	for len(queue) > 0 {
		parentHash := queue[0]
		queue = queue[1:]

		children := s.orphans[parentHash]
		delete(s.orphans, parentHash)

		for _, child := range children {
			childHash, err := s.submitBlock(child)
			if err != nil {
				s.evHandler("state: connectOrphans: WARNING: dropping orphan: %s", err)
				continue
			}
			queue = append(queue, childHash)
		}
	}
}

// =============================================================================

// validateHeader checks a block's header against its parent entry and the
// consensus rules, mapping each failure to a rejection reason.
func (s *State) validateHeader(block database.Block, parent *blockEntry) error {
	header := block.Header

	if header.Number != parent.height+1 {
		return NewBlockRejectError(BlockRejectBadParent, "height %d does not follow parent height %d", header.Number, parent.height)
	}

	expectedTarget, err := s.expectedTargetHex(parent)
	if err != nil {
		return err
	}
	if header.TargetHex != expectedTarget {
		return NewBlockRejectError(BlockRejectBadProofOfWork, "target %s does not match the retarget rule, exp %s", header.TargetHex, expectedTarget)
	}

	solved, err := block.HashSolved()
	if err != nil {
		return NewBlockRejectError(BlockRejectMalformedStructure, "unhashable header: %s", err)
	}
	if !solved {
		return NewBlockRejectError(BlockRejectBadProofOfWork, "hash does not fall under the target")
	}

	if header.TimeStamp <= parent.timeStamp {
		return NewBlockRejectError(BlockRejectBadTimestamp, "timestamp %d is not after parent %d", header.TimeStamp, parent.timeStamp)
	}
	if now := uint64(time.Now().UTC().Unix()); header.TimeStamp > now+s.genesis.MaxClockDrift {
		return NewBlockRejectError(BlockRejectBadTimestamp, "timestamp %d is too far in the future, now %d", header.TimeStamp, now)
	}

	trans := block.Trans.Values()
	if len(trans) == 0 {
		return NewBlockRejectError(BlockRejectMalformedStructure, "block has no transactions")
	}
	if len(trans) > s.genesis.TransPerBlock {
		return NewBlockRejectError(BlockRejectMalformedStructure, "block carries %d transactions, limit %d", len(trans), s.genesis.TransPerBlock)
	}

	if header.TransRoot != block.Trans.MerkleRootHex() {
		return NewBlockRejectError(BlockRejectBadMerkleRoot, "merkle root does not match transactions, got %s, exp %s", block.Trans.MerkleRootHex(), header.TransRoot)
	}

	return nil
}

// validateBlockTransactions runs the transaction validator over the block's
// transactions cumulatively against the current confirmed state, then checks
// the reward claim against the issuance schedule plus collected fees. The
// caller must hold the state lock with the UTXO state positioned at the
// block's parent.
func (s *State) validateBlockTransactions(block database.Block) error {
	trans := block.Trans.Values()

	coinbase := trans[0]
	if !coinbase.IsCoinbase() {
		return NewBlockRejectError(BlockRejectInvalidTransaction, "first transaction is not the reward claim")
	}
	if coinbase.ChainID != s.genesis.ChainID {
		return NewBlockRejectError(BlockRejectMalformedStructure, "reward claim has wrong chain id %d", coinbase.ChainID)
	}
	if coinbase.Nonce != block.Header.Number {
		return NewBlockRejectError(BlockRejectMalformedStructure, "reward claim nonce %d must equal height %d", coinbase.Nonce, block.Header.Number)
	}

	view := database.NewBatchView(s.db, s.genesis.AllowInternalSpends)
	createdInBlock := make(map[database.Outpoint]bool)
	nonces := make(map[database.AccountID]uint64)
	nonceOf := func(account database.AccountID) uint64 {
		if nonce, exists := nonces[account]; exists {
			return nonce
		}
		return s.db.NonceOf(account)
	}

	var fees uint64
	for _, tx := range trans[1:] {
		if tx.IsCoinbase() {
			return NewBlockRejectError(BlockRejectInvalidTransaction, "block carries more than one reward claim")
		}

		// With internal spends disallowed, chaining onto an output created
		// earlier in the same block is a structural fault of the block, not
		// a fault of the transaction.
		if !s.genesis.AllowInternalSpends {
			for _, in := range tx.Inputs {
				if createdInBlock[in] {
					return NewBlockRejectError(BlockRejectMalformedStructure, "input %s spends an output created in the same block", in)
				}
			}
		}

		vt, err := database.ValidateTx(tx, s.genesis.ChainID, view, nonceOf)
		if err != nil {
			return &BlockRejectError{Reason: BlockRejectInvalidTransaction, Err: err}
		}

		txID, err := tx.ID()
		if err != nil {
			return &BlockRejectError{Reason: BlockRejectInvalidTransaction, Err: err}
		}
		for _, in := range tx.Inputs {
			view.MarkSpent(in)
		}
		for i, out := range tx.Outputs {
			op := database.Outpoint{TxID: txID, Index: uint32(i)}
			createdInBlock[op] = true
			view.MarkCreated(database.UTXO{
				Outpoint: op,
				ToID:     out.ToID,
				Value:    out.Value,
				Height:   block.Header.Number,
			})
		}
		nonces[vt.From] = tx.Nonce
		fees += vt.Fee
	}

	var claimed uint64
	for _, out := range coinbase.Outputs {
		claimed += out.Value
	}
	if allowed := s.genesis.IssuanceSchedule(block.Header.Number) + fees; claimed > allowed {
		return NewBlockRejectError(BlockRejectRewardMismatch, "reward claim %d exceeds issuance plus fees %d", claimed, allowed)
	}

	return nil
}

// connectTip fully validates the block against the canonical state, applies
// it, and advances the tip. All-or-nothing: a validation failure leaves
// state, storage, and the tree untouched.
func (s *State) connectTip(block database.Block, blockData database.BlockData, entry *blockEntry) error {
	if err := s.validateBlockTransactions(block); err != nil {
		return err
	}

	undo, err := s.db.ApplyBlock(block)
	if err != nil {
		return err
	}

	if err := s.storage.WriteUndo(undo); err != nil {
		return err
	}
	if err := s.storage.WriteBlock(blockData); err != nil {
		return err
	}
	if err := s.addEntry(entry); err != nil {
		return err
	}
	if err := s.setTip(entry); err != nil {
		return err
	}

	s.pruneUndo(entry)

	// Confirmed transactions leave the pool, along with anything they
	// conflicted with.
	s.mempool.RemoveConfirmed(blockData.Trans)

	return nil
}

// setTip moves the canonical tip and persists it.
func (s *State) setTip(entry *blockEntry) error {
	s.tipHash = entry.hash
	return s.storage.PutMeta(database.MetaKeyTip, []byte(entry.hash))
}

// pruneUndo drops the undo record that just fell outside the reorg
// retention window. Reorgs deeper than the window are impossible after
// this, which is the point: retention bounds reorg depth.
func (s *State) pruneUndo(tip *blockEntry) {
	if s.genesis.ReorgDepth == 0 || tip.height <= s.genesis.ReorgDepth {
		return
	}

	ancestor, err := s.ancestorAtHeight(tip, tip.height-s.genesis.ReorgDepth)
	if err != nil {
		return
	}

	if err := s.storage.DeleteUndo(ancestor.hash); err != nil {
		s.evHandler("state: pruneUndo: WARNING: %s", err)
	}
}
