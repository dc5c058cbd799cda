// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"os"
	"time"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date                time.Time         `json:"date"`
	ChainID             uint16            `json:"chain_id"`              // An unique id for this running instance of the chain.
	TransPerBlock       int               `json:"trans_per_block"`       // The maximum number of transactions that can be in a block.
	BlockMaxWeight      int               `json:"block_max_weight"`      // The maximum total canonical-encoding size for a block's transactions.
	TargetHex           string            `json:"target_hex"`            // The maximum (easiest) proof of work target, also the genesis target.
	DifficultyInterval  uint64            `json:"difficulty_interval"`   // Number of blocks between difficulty retargets.
	TargetSpacing       uint64            `json:"target_spacing"`        // Desired seconds between blocks.
	MaxClockDrift       uint64            `json:"max_clock_drift"`       // Seconds a block timestamp may sit in the future.
	MiningReward        uint64            `json:"mining_reward"`         // Base reward for mining a block.
	HalvingInterval     uint64            `json:"halving_interval"`      // Number of blocks between reward halvings.
	ReorgDepth          uint64            `json:"reorg_depth"`           // Number of blocks undo records are retained for.
	MempoolMaxSize      int               `json:"mempool_max_size"`      // The maximum number of transactions held in the mempool.
	MempoolTTL          uint64            `json:"mempool_ttl"`           // Seconds a pending transaction lives before eviction.
	AllowInternalSpends bool              `json:"allow_internal_spends"` // Whether a transaction may spend an output created earlier in the same block.
	Balances            map[string]uint64 `json:"balances"`              // Pre-mine balances turned into genesis outputs.
}

// IssuanceSchedule returns the base mining reward allowed for a block at
// the specified height, applying the halving schedule.
func (g Genesis) IssuanceSchedule(height uint64) uint64 {
	if g.HalvingInterval == 0 {
		return g.MiningReward
	}

	halvings := height / g.HalvingInterval
	if halvings >= 64 {
		return 0
	}

	return g.MiningReward >> halvings
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load() (Genesis, error) {
	path := "zblock/genesis.json"
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}
