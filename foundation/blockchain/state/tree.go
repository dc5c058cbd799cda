package state

import (
	"fmt"
	"math/big"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// blockEntry is a node in the block tree. The tree is held as an arena
// keyed by block hash; entries reference parents by hash, never by
// pointer, so the structure is trivially serializable and cycle free.
type blockEntry struct {
	hash       string
	parentHash string
	height     uint64
	timeStamp  uint64
	targetHex  string
	cumWork    *big.Int
}

// loadIndex rebuilds the in-memory block tree from the persisted index
// entries and restores the canonical tip. The synthetic genesis entry at
// height zero roots the tree.
func (s *State) loadIndex() error {
	s.index = map[string]*blockEntry{
		signature.ZeroHash: s.genesisEntry(),
	}

	// Index entries come back in no particular order, so cumulative work
	// is not recomputed here; the persisted value is trusted.
	if err := s.storage.ForEachIndexEntry(func(entry database.IndexEntry) error {
		cumWork, ok := new(big.Int).SetString(entry.CumWork, 10)
		if !ok {
			return fmt.Errorf("index entry %s has invalid cumulative work %q", entry.Hash, entry.CumWork)
		}

		s.index[entry.Hash] = &blockEntry{
			hash:       entry.Hash,
			parentHash: entry.ParentHash,
			height:     entry.Height,
			timeStamp:  entry.TimeStamp,
			targetHex:  entry.TargetHex,
			cumWork:    cumWork,
		}
		return nil
	}); err != nil {
		return err
	}

	s.tipHash = signature.ZeroHash
	if data, err := s.storage.GetMeta(database.MetaKeyTip); err == nil && data != nil {
		hash := string(data)
		if _, exists := s.index[hash]; !exists {
			return fmt.Errorf("persisted tip %s is not in the block index", hash)
		}
		s.tipHash = hash
	}

	return nil
}

// genesisEntry returns the synthetic entry that roots the tree. Height
// zero is immutable and carries no block body; the first mined block
// references it through the zero hash.
func (s *State) genesisEntry() *blockEntry {
	return &blockEntry{
		hash:       signature.ZeroHash,
		parentHash: "",
		height:     0,
		timeStamp:  uint64(s.genesis.Date.UTC().Unix()),
		targetHex:  s.genesis.TargetHex,
		cumWork:    new(big.Int),
	}
}

// tipEntry returns the entry for the canonical tip.
func (s *State) tipEntry() *blockEntry {
	return s.index[s.tipHash]
}

// addEntry inserts the block into the tree and persists its index entry.
func (s *State) addEntry(entry *blockEntry) error {
	if err := s.storage.WriteIndexEntry(database.IndexEntry{
		Hash:       entry.hash,
		ParentHash: entry.parentHash,
		Height:     entry.height,
		CumWork:    entry.cumWork.String(),
		TimeStamp:  entry.timeStamp,
		TargetHex:  entry.targetHex,
	}); err != nil {
		return err
	}

	s.index[entry.hash] = entry
	return nil
}

// ancestorAtHeight walks the parent chain from the specified entry down to
// the requested height.
func (s *State) ancestorAtHeight(entry *blockEntry, height uint64) (*blockEntry, error) {
	for entry != nil && entry.height > height {
		entry = s.index[entry.parentHash]
	}
	if entry == nil || entry.height != height {
		return nil, fmt.Errorf("no ancestor at height %d", height)
	}
	return entry, nil
}

// commonAncestor returns the deepest entry on both branches.
func (s *State) commonAncestor(a *blockEntry, b *blockEntry) (*blockEntry, error) {
	var err error
	if a.height > b.height {
		if a, err = s.ancestorAtHeight(a, b.height); err != nil {
			return nil, err
		}
	}
	if b.height > a.height {
		if b, err = s.ancestorAtHeight(b, a.height); err != nil {
			return nil, err
		}
	}

	for a.hash != b.hash {
		a = s.index[a.parentHash]
		b = s.index[b.parentHash]
		if a == nil || b == nil {
			return nil, fmt.Errorf("branches do not share an ancestor")
		}
	}

	return a, nil
}

// isOnCanonicalChain reports whether the entry is an ancestor of (or is)
// the canonical tip.
func (s *State) isOnCanonicalChain(entry *blockEntry) bool {
	tip := s.tipEntry()
	if tip.height < entry.height {
		return false
	}

	ancestor, err := s.ancestorAtHeight(tip, entry.height)
	if err != nil {
		return false
	}
	return ancestor.hash == entry.hash
}
