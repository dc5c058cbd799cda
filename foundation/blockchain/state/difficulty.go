package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// expectedTargetHex computes the proof of work target the consensus rules
// require for the child of the specified entry. The target is recomputed
// every difficulty interval from the observed timespan of the previous
// interval, with the adjustment clamped to a factor of four in either
// direction and the result capped at the genesis target.
func (s *State) expectedTargetHex(parent *blockEntry) (string, error) {
	height := parent.height + 1
	interval := s.genesis.DifficultyInterval

	if interval == 0 || height%interval != 0 {
		return parent.targetHex, nil
	}

	// After a checkpoint sync the interval's first block may be below the
	// checkpoint and unknown; the target carries over until the next full
	// interval is observed.
	first, err := s.ancestorAtHeight(parent, height-interval)
	if err != nil {
		return parent.targetHex, nil
	}

	// Timestamps are strictly increasing along a chain, so the timespan is
	// never negative.
	actual := parent.timeStamp - first.timeStamp
	expected := interval * s.genesis.TargetSpacing

	if actual < expected/4 {
		actual = expected / 4
	}
	if actual > expected*4 {
		actual = expected * 4
	}

	raw, err := hexutil.Decode(parent.targetHex)
	if err != nil {
		return "", err
	}
	target := new(big.Int).SetBytes(raw)

	target.Mul(target, new(big.Int).SetUint64(actual))
	target.Div(target, new(big.Int).SetUint64(expected))

	// Difficulty never drops below the genesis floor.
	maxRaw, err := hexutil.Decode(s.genesis.TargetHex)
	if err != nil {
		return "", err
	}
	maxTarget := new(big.Int).SetBytes(maxRaw)
	if target.Cmp(maxTarget) > 0 {
		target.Set(maxTarget)
	}
	if target.Sign() == 0 {
		target.SetUint64(1)
	}

	return database.TargetToHex(target), nil
}
