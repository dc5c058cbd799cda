// Package state is the core API for the blockchain and implements all the
// business rules and processing.
package state

import (
	"strconv"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool/selector"
)

// The meta keys the chain manager persists between restarts.
const (
	metaKeyCheckpointHeight = "checkpoint_height"
)

// EventHandler defines a function that is called when events occur in the
// processing of persisting blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by
// any package providing support for mining.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalCancelMining() (done func())
}

// =============================================================================

// Config represents the configuration required to start the blockchain
// node.
type Config struct {
	BeneficiaryID  database.AccountID
	Genesis        genesis.Genesis
	Storage        database.Storage
	SelectStrategy string
	TrustedIssuers []database.AccountID
	EvHandler      EventHandler
}

// State manages the blockchain database, the block tree, and the mempool.
type State struct {
	mu sync.Mutex

	beneficiaryID database.AccountID
	evHandler     EventHandler

	genesis genesis.Genesis
	storage database.Storage
	db      *database.Database
	mempool *mempool.Mempool

	index   map[string]*blockEntry
	orphans map[string][]database.BlockData
	tipHash string

	checkpointHeight uint64
	trustedIssuers   map[database.AccountID]bool

	Worker Worker
}

// New constructs a new blockchain for data management, reloading any
// persisted chain from storage.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	// Access the UTXO state, seeding or reloading it from storage.
	db, err := database.New(cfg.Genesis, cfg.Storage, ev)
	if err != nil {
		return nil, err
	}

	// Construct a mempool with the specified select strategy.
	strategy := cfg.SelectStrategy
	if strategy == "" {
		strategy = selector.StrategyFeeRate
	}
	mpool, err := mempool.NewWithStrategy(strategy)
	if err != nil {
		return nil, err
	}

	trusted := make(map[database.AccountID]bool, len(cfg.TrustedIssuers))
	for _, issuer := range cfg.TrustedIssuers {
		trusted[issuer] = true
	}

	s := State{
		beneficiaryID:  cfg.BeneficiaryID,
		evHandler:      ev,
		genesis:        cfg.Genesis,
		storage:        cfg.Storage,
		db:             db,
		mempool:        mpool,
		orphans:        make(map[string][]database.BlockData),
		trustedIssuers: trusted,
	}

	// Rebuild the block tree from the persisted index entries and restore
	// the canonical tip.
	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	if data, err := cfg.Storage.GetMeta(metaKeyCheckpointHeight); err == nil && data != nil {
		height, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return nil, err
		}
		s.checkpointHeight = height
	}

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &s, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {

	// Make sure the database file is properly closed.
	defer func() {
		s.db.Close()
	}()

	// Stop all blockchain writing activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return nil
}
