package state

import (
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// ErrReorgTooDeep is returned when a reorg would reach past the retained
// undo records. This is an operator visible failure requiring checkpoint
// based recovery, never silently ignored.
var ErrReorgTooDeep = errors.New("reorg deeper than retained undo records")

// reorgTo moves the canonical chain to the branch ending at newTip. The
// algorithm is an explicit two phase walk: first collect the undo list for
// the abandoned branch and the apply list for the new branch, then execute.
// New branch blocks were only header validated when stored, so each is
// fully validated as it is applied; an invalid block rolls the whole reorg
// back and the old tip stays canonical.
func (s *State) reorgTo(newTip *blockEntry) error {
	oldTip := s.tipEntry()

	ancestor, err := s.commonAncestor(oldTip, newTip)
	if err != nil {
		return err
	}

	s.evHandler("state: reorgTo: fork at height[%d]: old tip[%s] new tip[%s]", ancestor.height, oldTip.hash, newTip.hash)

	if s.genesis.ReorgDepth != 0 && oldTip.height-ancestor.height > s.genesis.ReorgDepth {
		return fmt.Errorf("%w: fork depth %d exceeds retention %d", ErrReorgTooDeep, oldTip.height-ancestor.height, s.genesis.ReorgDepth)
	}

	// Phase 1: collect. The old branch from tip down to the ancestor with
	// its undo records, and the new branch from the ancestor up to newTip
	// with its block bodies.
	var oldBranch []*blockEntry
	for entry := oldTip; entry.hash != ancestor.hash; entry = s.index[entry.parentHash] {
		oldBranch = append(oldBranch, entry)
	}

	undos := make([]database.UndoRecord, len(oldBranch))
	for i, entry := range oldBranch {
		undo, err := s.storage.GetUndo(entry.hash)
		if err != nil {
			return fmt.Errorf("%w: no undo record for block %s", ErrReorgTooDeep, entry.hash)
		}
		undos[i] = undo
	}

	var newBranch []*blockEntry
	for entry := newTip; entry.hash != ancestor.hash; entry = s.index[entry.parentHash] {
		newBranch = append([]*blockEntry{entry}, newBranch...)
	}

	newBlocks := make([]database.BlockData, len(newBranch))
	for i, entry := range newBranch {
		blockData, err := s.storage.GetBlock(entry.hash)
		if err != nil {
			return fmt.Errorf("missing body for side chain block %s: %w", entry.hash, err)
		}
		newBlocks[i] = blockData
	}

	// Phase 2: execute. Disconnect the old branch newest first.
	for _, undo := range undos {
		if err := s.db.UndoBlock(undo); err != nil {
			return err
		}
	}

	// Connect the new branch oldest first, validating each block against
	// the state it extends.
	var applied []database.UndoRecord
	for i, blockData := range newBlocks {
		block, err := database.ToBlock(blockData)
		if err != nil {
			return s.abortReorg(applied, oldBranch, newBranch[i],
				NewBlockRejectError(BlockRejectMalformedStructure, "unable to rebuild block %s: %s", blockData.Hash, err))
		}

		if err := s.validateBlockTransactions(block); err != nil {
			return s.abortReorg(applied, oldBranch, newBranch[i], err)
		}

		undo, err := s.db.ApplyBlock(block)
		if err != nil {
			return err
		}
		if err := s.storage.WriteUndo(undo); err != nil {
			return err
		}
		applied = append(applied, undo)
	}

	if err := s.setTip(newTip); err != nil {
		return err
	}
	s.pruneUndo(newTip)

	s.evHandler("state: reorgTo: REORG COMPLETE: new tip[%s] height[%d]: disconnected[%d] connected[%d]",
		newTip.hash, newTip.height, len(oldBranch), len(newBranch))

	// Return the abandoned branch's transactions to the pool where they
	// still apply, then drop anything the new branch invalidated.
	for i := len(oldBranch) - 1; i >= 0; i-- {
		blockData, err := s.storage.GetBlock(oldBranch[i].hash)
		if err != nil {
			continue
		}
		for _, tx := range blockData.Trans {
			if tx.IsCoinbase() {
				continue
			}
			if err := s.upsertValidated(tx); err != nil {
				s.evHandler("state: reorgTo: dropping abandoned tx[%s]: %s", tx, err)
			}
		}
	}
	dropped := s.mempool.Reconcile(s.genesis.ChainID, s.db, s.db.NonceOf)
	if dropped > 0 {
		s.evHandler("state: reorgTo: reconcile dropped [%d] pooled transactions", dropped)
	}

	return nil
}

// abortReorg rolls a half executed reorg back to the old canonical tip:
// the applied new branch blocks are undone, the old branch is reapplied,
// and the invalid block with its descendants leaves the tree. The original
// rejection is returned.
func (s *State) abortReorg(applied []database.UndoRecord, oldBranch []*blockEntry, bad *blockEntry, reject error) error {
	s.evHandler("state: abortReorg: invalid side chain block[%s]: %s", bad.hash, reject)

	for i := len(applied) - 1; i >= 0; i-- {
		if err := s.db.UndoBlock(applied[i]); err != nil {
			return err
		}
	}

	// Reapply the old branch oldest first, regenerating its undo records.
	for i := len(oldBranch) - 1; i >= 0; i-- {
		blockData, err := s.storage.GetBlock(oldBranch[i].hash)
		if err != nil {
			return err
		}
		block, err := database.ToBlock(blockData)
		if err != nil {
			return err
		}
		undo, err := s.db.ApplyBlock(block)
		if err != nil {
			return err
		}
		if err := s.storage.WriteUndo(undo); err != nil {
			return err
		}
	}

	s.removeBranch(bad.hash)
	return reject
}

// removeBranch drops the entry and every descendant from the in-memory
// tree so the invalid branch cannot win fork choice again this run.
func (s *State) removeBranch(hash string) {
	bad := map[string]bool{hash: true}

	for {
		grew := false
		for _, entry := range s.index {
			if bad[entry.parentHash] && !bad[entry.hash] {
				bad[entry.hash] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	for hash := range bad {
		delete(s.index, hash)
	}
}
