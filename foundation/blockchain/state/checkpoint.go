package state

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// The set of checkpoint failures. All are operator visible; none are
// silently retried.
var (
	ErrStateHashMismatch = errors.New("snapshot does not hash to the checkpoint state hash")
	ErrStaleCheckpoint   = errors.New("checkpoint is not ahead of the trusted checkpoint")
	ErrUntrustedIssuer   = errors.New("checkpoint is not signed by a trusted issuer")
	ErrBeyondRetention   = errors.New("checkpoint height is beyond the undo retention window")
)

// Checkpoint binds a block to the hash of the full UTXO state after that
// block. A node applying a checkpoint together with a matching snapshot
// can join the chain without replaying history.
type Checkpoint struct {
	Height    uint64               `json:"height"`
	BlockHash string               `json:"block_hash"`
	Header    database.BlockHeader `json:"header"`
	StateHash string               `json:"state_hash"`
	CumWork   string               `json:"cum_work"`
	V         *big.Int             `json:"v,omitempty"` // Optional issuer signature.
	R         *big.Int             `json:"r,omitempty"`
	S         *big.Int             `json:"s,omitempty"`
}

// CanonicalBytes returns the deterministic byte serialization of the
// checkpoint, signature excluded. This is what an issuer signs.
func (cp Checkpoint) CanonicalBytes() ([]byte, error) {
	blockHash, err := hexutil.Decode(cp.BlockHash)
	if err != nil || len(blockHash) != 32 {
		return nil, fmt.Errorf("block hash %q is not a 32 byte hash", cp.BlockHash)
	}

	stateHash, err := hexutil.Decode(cp.StateHash)
	if err != nil || len(stateHash) != 32 {
		return nil, fmt.Errorf("state hash %q is not a 32 byte hash", cp.StateHash)
	}

	cumWork, ok := new(big.Int).SetString(cp.CumWork, 10)
	if !ok || cumWork.Sign() < 0 || cumWork.BitLen() > 256 {
		return nil, fmt.Errorf("cumulative work %q is not a valid 256 bit value", cp.CumWork)
	}
	var work [32]byte
	cumWork.FillBytes(work[:])

	buf := make([]byte, 0, 104)
	buf = binary.BigEndian.AppendUint64(buf, cp.Height)
	buf = append(buf, blockHash...)
	buf = append(buf, stateHash...)
	buf = append(buf, work[:]...)

	return buf, nil
}

// Sign returns a copy of the checkpoint carrying the issuer's signature.
func (cp Checkpoint) Sign(privateKey *ecdsa.PrivateKey) (Checkpoint, error) {
	data, err := cp.CanonicalBytes()
	if err != nil {
		return Checkpoint{}, err
	}

	v, r, s, err := signature.Sign(data, privateKey)
	if err != nil {
		return Checkpoint{}, err
	}

	cp.V, cp.R, cp.S = v, r, s
	return cp, nil
}

// Issuer recovers the account that signed the checkpoint.
func (cp Checkpoint) Issuer() (database.AccountID, error) {
	if cp.V == nil || cp.R == nil || cp.S == nil {
		return "", errors.New("checkpoint is not signed")
	}

	data, err := cp.CanonicalBytes()
	if err != nil {
		return "", err
	}

	if err := signature.VerifySignature(cp.V, cp.R, cp.S); err != nil {
		return "", err
	}

	address, err := signature.FromAddress(data, cp.V, cp.R, cp.S)
	return database.AccountID(address), err
}

// =============================================================================

// ExportCheckpoint produces a checkpoint for the canonical block at the
// specified height along with the matching UTXO snapshot. The state at a
// historic height is reconstructed by walking undo records back from the
// tip, so the height must be within the retention window.
func (s *State) ExportCheckpoint(height uint64) (Checkpoint, database.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.tipEntry()
	if height == 0 || height > tip.height {
		return Checkpoint{}, database.Snapshot{}, fmt.Errorf("height %d is not a canonical block height", height)
	}

	entry, err := s.ancestorAtHeight(tip, height)
	if err != nil {
		return Checkpoint{}, database.Snapshot{}, err
	}

	snap := s.db.Snapshot()
	for walk := tip; walk.hash != entry.hash; walk = s.index[walk.parentHash] {
		undo, err := s.storage.GetUndo(walk.hash)
		if err != nil {
			return Checkpoint{}, database.Snapshot{}, fmt.Errorf("%w: no undo record for block %s", ErrBeyondRetention, walk.hash)
		}
		if err := snap.Undo(undo); err != nil {
			return Checkpoint{}, database.Snapshot{}, err
		}
	}

	blockData, err := s.storage.GetBlock(entry.hash)
	if err != nil {
		return Checkpoint{}, database.Snapshot{}, err
	}

	cp := Checkpoint{
		Height:    height,
		BlockHash: entry.hash,
		Header:    blockData.Header,
		StateHash: snap.HashState(),
		CumWork:   entry.cumWork.String(),
	}

	return cp, snap, nil
}

// ApplyCheckpoint replaces the node's entire state with the checkpointed
// one. The snapshot is verified against the checkpoint's state hash, the
// issuer signature is checked when the node trusts specific issuers, and
// checkpoints only ever move forward. On success the block tree is re
// rooted at the checkpoint block and the mempool is reconciled; nothing
// below the checkpoint can be reorged afterward.
func (s *State) ApplyCheckpoint(cp Checkpoint, snap database.Snapshot) error {
	s.evHandler("state: ApplyCheckpoint: started: height[%d] block[%s]", cp.Height, cp.BlockHash)
	defer s.evHandler("state: ApplyCheckpoint: completed")

	s.mu.Lock()
	defer s.mu.Unlock()

	headerHash, err := (database.Block{Header: cp.Header}).Hash()
	if err != nil {
		return err
	}
	if headerHash != cp.BlockHash || cp.Header.Number != cp.Height {
		return fmt.Errorf("checkpoint header does not match its block hash and height")
	}

	if snap.HashState() != cp.StateHash {
		return ErrStateHashMismatch
	}

	if len(s.trustedIssuers) > 0 {
		issuer, err := cp.Issuer()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUntrustedIssuer, err)
		}
		if !s.trustedIssuers[issuer] {
			return fmt.Errorf("%w: issuer %s", ErrUntrustedIssuer, issuer)
		}
	}

	if cp.Height <= s.checkpointHeight {
		return fmt.Errorf("%w: height %d, trusted %d", ErrStaleCheckpoint, cp.Height, s.checkpointHeight)
	}

	cumWork, ok := new(big.Int).SetString(cp.CumWork, 10)
	if !ok {
		return fmt.Errorf("cumulative work %q is not a valid value", cp.CumWork)
	}

	// The swap. Everything local is dropped: blocks, index, undo records,
	// and the UTXO state. The checkpoint block becomes the new tree root.
	if err := s.storage.Reset(); err != nil {
		return err
	}
	if err := s.db.Replace(snap); err != nil {
		return err
	}

	// Keep the checkpoint header on disk so this node can itself serve
	// checkpoint exports at this height. The body's transactions are not
	// part of the snapshot and stay empty.
	if err := s.storage.WriteBlock(database.BlockData{Hash: cp.BlockHash, Header: cp.Header}); err != nil {
		return err
	}

	entry := &blockEntry{
		hash:       cp.BlockHash,
		parentHash: cp.Header.PrevBlockHash,
		height:     cp.Height,
		timeStamp:  cp.Header.TimeStamp,
		targetHex:  cp.Header.TargetHex,
		cumWork:    cumWork,
	}

	s.index = map[string]*blockEntry{
		signature.ZeroHash: s.genesisEntry(),
		entry.hash:         entry,
	}
	s.orphans = make(map[string][]database.BlockData)

	if err := s.addEntry(entry); err != nil {
		return err
	}
	if err := s.setTip(entry); err != nil {
		return err
	}

	s.checkpointHeight = cp.Height
	if err := s.storage.PutMeta(metaKeyCheckpointHeight, []byte(strconv.FormatUint(cp.Height, 10))); err != nil {
		return err
	}

	dropped := s.mempool.Reconcile(s.genesis.ChainID, s.db, s.db.NonceOf)
	s.evHandler("state: ApplyCheckpoint: reconcile dropped [%d] pooled transactions", dropped)

	return nil
}
