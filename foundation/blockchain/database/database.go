// Package database handles all the lower level support for maintaining the
// UTXO set and the blockchain data on disk.
package database

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
)

// ConsistencyError indicates the UTXO set was asked to perform a mutation
// that validation should have made impossible, like spending an outpoint
// that doesn't exist. It is a bug in the validation pipeline, not bad input;
// callers must treat it as fatal since continuing risks state corruption.
type ConsistencyError struct {
	Op  Outpoint
	Msg string
}

// Error implements the error interface.
func (ce *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s: %s", ce.Msg, ce.Op)
}

// =============================================================================

// Database manages the authoritative set of unspent outputs and the last
// confirmed nonce for every sender. Exactly one Database is canonical at any
// instant; it is owned by the chain manager and mutated only through
// ApplyBlock/UndoBlock.
type Database struct {
	mu sync.RWMutex

	genesis genesis.Genesis
	utxos   map[Outpoint]UTXO
	nonces  map[AccountID]uint64
	storage Storage
}

// New constructs a new database, loading any persisted UTXO state from
// storage or seeding the genesis balances on first start.
func New(gen genesis.Genesis, storage Storage, evHandler func(v string, args ...any)) (*Database, error) {
	db := Database{
		genesis: gen,
		utxos:   make(map[Outpoint]UTXO),
		nonces:  make(map[AccountID]uint64),
		storage: storage,
	}

	if err := storage.ForEachUTXO(func(utxo UTXO) error {
		db.utxos[utxo.Outpoint] = utxo
		return nil
	}); err != nil {
		return nil, err
	}

	if err := storage.ForEachNonce(func(account AccountID, nonce uint64) error {
		db.nonces[account] = nonce
		return nil
	}); err != nil {
		return nil, err
	}

	// A brand new database starts from the genesis allocations.
	if len(db.utxos) == 0 {
		utxos, err := genesisUTXOs(gen)
		if err != nil {
			return nil, err
		}

		for _, utxo := range utxos {
			evHandler("database: New: genesis utxo: account[%s] value[%d]", utxo.ToID, utxo.Value)
			db.utxos[utxo.Outpoint] = utxo
			if err := storage.WriteUTXO(utxo); err != nil {
				return nil, err
			}
		}
	}

	return &db, nil
}

// Close closes the underlying storage.
func (db *Database) Close() {
	db.storage.Close()
}

// GetUTXO implements the UTXOView interface over the canonical set.
func (db *Database) GetUTXO(op Outpoint) (UTXO, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	utxo, exists := db.utxos[op]
	return utxo, exists
}

// NonceOf returns the last confirmed nonce for the specified account. An
// account that has never transacted reports zero.
func (db *Database) NonceOf(account AccountID) uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.nonces[account]
}

// Balance sums the unspent outputs locked to the specified account.
func (db *Database) Balance(account AccountID) uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var balance uint64
	for _, utxo := range db.utxos {
		if utxo.ToID == account {
			balance += utxo.Value
		}
	}

	return balance
}

// UTXOsByAccount returns the unspent outputs locked to the specified
// account, ordered by outpoint for determinism.
func (db *Database) UTXOsByAccount(account AccountID) []UTXO {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var utxos []UTXO
	for _, utxo := range db.utxos {
		if utxo.ToID == account {
			utxos = append(utxos, utxo)
		}
	}

	sortUTXOs(utxos)
	return utxos
}

// =============================================================================

// ApplyBlock atomically removes every output spent by the block and inserts
// every output it creates, bumping sender nonces. If any spend is absent the
// whole call is rejected with a ConsistencyError and nothing is mutated.
// The returned UndoRecord is the exact structural inverse of the mutation.
func (db *Database) ApplyBlock(block Block) (UndoRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	hash, err := block.Hash()
	if err != nil {
		return UndoRecord{}, err
	}

	undo := UndoRecord{
		BlockHash:  hash,
		Height:     block.Header.Number,
		PrevNonces: make(map[AccountID]uint64),
	}

	// Stage the block's effects first so a failure can't leave the set
	// partially mutated. An output created and spent inside the same block
	// nets out: it never touches the set and never appears in the undo.
	stagedCreated := make(map[Outpoint]UTXO)
	var createdOrder []Outpoint
	nextNonces := make(map[AccountID]uint64)

	for _, tx := range block.Trans.Values() {
		txID, err := tx.ID()
		if err != nil {
			return UndoRecord{}, err
		}

		for _, in := range tx.Inputs {
			if _, exists := stagedCreated[in]; exists {
				delete(stagedCreated, in)
				for i, op := range createdOrder {
					if op == in {
						createdOrder = append(createdOrder[:i], createdOrder[i+1:]...)
						break
					}
				}
				continue
			}

			utxo, exists := db.utxos[in]
			if !exists {
				return UndoRecord{}, &ConsistencyError{Op: in, Msg: "spend of unknown outpoint"}
			}
			for _, spent := range undo.Spent {
				if spent.Outpoint == in {
					return UndoRecord{}, &ConsistencyError{Op: in, Msg: "double spend inside block"}
				}
			}
			undo.Spent = append(undo.Spent, utxo)
		}

		for i, out := range tx.Outputs {
			op := Outpoint{TxID: txID, Index: uint32(i)}
			if _, exists := db.utxos[op]; exists {
				return UndoRecord{}, &ConsistencyError{Op: op, Msg: "created outpoint already exists"}
			}
			stagedCreated[op] = UTXO{
				Outpoint: op,
				ToID:     out.ToID,
				Value:    out.Value,
				Height:   block.Header.Number,
				Coinbase: tx.IsCoinbase(),
			}
			createdOrder = append(createdOrder, op)
		}

		if !tx.IsCoinbase() {
			from, err := tx.FromAccount()
			if err != nil {
				return UndoRecord{}, err
			}
			if _, recorded := undo.PrevNonces[from]; !recorded {
				undo.PrevNonces[from] = db.nonces[from]
			}
			nextNonces[from] = tx.Nonce
		}
	}

	// Commit the staged effects.
	for _, utxo := range undo.Spent {
		delete(db.utxos, utxo.Outpoint)
		if err := db.storage.DeleteUTXO(utxo.Outpoint); err != nil {
			return UndoRecord{}, err
		}
	}
	for _, op := range createdOrder {
		utxo := stagedCreated[op]
		db.utxos[op] = utxo
		if err := db.storage.WriteUTXO(utxo); err != nil {
			return UndoRecord{}, err
		}
		undo.Created = append(undo.Created, op)
	}
	for account, nonce := range nextNonces {
		db.nonces[account] = nonce
		if err := db.storage.WriteNonce(account, nonce); err != nil {
			return UndoRecord{}, err
		}
	}

	return undo, nil
}

// UndoBlock restores the outputs a block removed and removes the outputs it
// created. Used by the chain manager during reorgs; must be called in
// reverse block order.
func (db *Database) UndoBlock(undo UndoRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Verify the undo applies cleanly before mutating anything.
	for _, op := range undo.Created {
		if _, exists := db.utxos[op]; !exists {
			return &ConsistencyError{Op: op, Msg: "undo of missing created outpoint"}
		}
	}
	for _, utxo := range undo.Spent {
		if _, exists := db.utxos[utxo.Outpoint]; exists {
			return &ConsistencyError{Op: utxo.Outpoint, Msg: "undo would duplicate spent outpoint"}
		}
	}

	for _, op := range undo.Created {
		delete(db.utxos, op)
		if err := db.storage.DeleteUTXO(op); err != nil {
			return err
		}
	}
	for _, utxo := range undo.Spent {
		db.utxos[utxo.Outpoint] = utxo
		if err := db.storage.WriteUTXO(utxo); err != nil {
			return err
		}
	}
	for account, nonce := range undo.PrevNonces {
		db.nonces[account] = nonce
		if err := db.storage.WriteNonce(account, nonce); err != nil {
			return err
		}
	}

	return nil
}

// =============================================================================

// Snapshot is a consistent, ordered copy of the full UTXO state. It is what
// checkpoints hash and what checkpoint sync installs.
type Snapshot struct {
	UTXOs  []UTXO               `json:"utxos"`
	Nonces map[AccountID]uint64 `json:"nonces"`
}

// Snapshot returns a copy of the current state with deterministic ordering.
func (db *Database) Snapshot() Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snap := Snapshot{
		UTXOs:  make([]UTXO, 0, len(db.utxos)),
		Nonces: make(map[AccountID]uint64, len(db.nonces)),
	}

	for _, utxo := range db.utxos {
		snap.UTXOs = append(snap.UTXOs, utxo)
	}
	for account, nonce := range db.nonces {
		if nonce != 0 {
			snap.Nonces[account] = nonce
		}
	}

	sortUTXOs(snap.UTXOs)
	return snap
}

// HashState returns the hash over the current UTXO state. Two nodes holding
// the same outputs and nonces produce the same hash bit for bit.
func (db *Database) HashState() string {
	return db.Snapshot().HashState()
}

// Replace atomically swaps the entire UTXO state for the snapshot. Used by
// checkpoint sync; the caller is responsible for resetting block storage.
func (db *Database) Replace(snap Snapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, utxo := range snap.UTXOs {
		if txid, err := hexutil.Decode(utxo.TxID); err != nil || len(txid) != 32 {
			return &ConsistencyError{Op: utxo.Outpoint, Msg: "snapshot outpoint is not a 32 byte transaction id"}
		}
	}

	db.utxos = make(map[Outpoint]UTXO, len(snap.UTXOs))
	db.nonces = make(map[AccountID]uint64, len(snap.Nonces))

	for _, utxo := range snap.UTXOs {
		db.utxos[utxo.Outpoint] = utxo
		if err := db.storage.WriteUTXO(utxo); err != nil {
			return err
		}
	}
	for account, nonce := range snap.Nonces {
		db.nonces[account] = nonce
		if err := db.storage.WriteNonce(account, nonce); err != nil {
			return err
		}
	}

	return nil
}

// Undo reverses a block's effect on the snapshot copy, leaving the
// database untouched. Used to reconstruct historic state for checkpoint
// export.
func (snap *Snapshot) Undo(undo UndoRecord) error {
	utxos := make(map[Outpoint]UTXO, len(snap.UTXOs))
	for _, utxo := range snap.UTXOs {
		utxos[utxo.Outpoint] = utxo
	}

	for _, op := range undo.Created {
		if _, exists := utxos[op]; !exists {
			return &ConsistencyError{Op: op, Msg: "snapshot undo of missing created outpoint"}
		}
		delete(utxos, op)
	}
	for _, utxo := range undo.Spent {
		utxos[utxo.Outpoint] = utxo
	}
	for account, nonce := range undo.PrevNonces {
		if nonce == 0 {
			delete(snap.Nonces, account)
			continue
		}
		snap.Nonces[account] = nonce
	}

	snap.UTXOs = snap.UTXOs[:0]
	for _, utxo := range utxos {
		snap.UTXOs = append(snap.UTXOs, utxo)
	}
	sortUTXOs(snap.UTXOs)

	return nil
}

// HashState computes the state hash over the snapshot: a sha256 over the
// canonical encoding of the ordered outputs followed by the ordered nonces.
func (snap Snapshot) HashState() string {
	h := sha256.New()

	var buf [8]byte
	for _, utxo := range snap.UTXOs {
		// An outpoint that does not decode can only come from a foreign
		// snapshot. It still contributes its raw bytes, length prefixed,
		// so no two distinct states ever hash identically.
		txid, err := hexutil.Decode(utxo.TxID)
		if err != nil || len(txid) != 32 {
			binary.BigEndian.PutUint32(buf[:4], uint32(len(utxo.TxID)))
			h.Write(buf[:4])
			txid = []byte(utxo.TxID)
		}
		h.Write(txid)
		binary.BigEndian.PutUint32(buf[:4], utxo.Index)
		h.Write(buf[:4])
		h.Write(utxo.ToID.Bytes())
		binary.BigEndian.PutUint64(buf[:], utxo.Value)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], utxo.Height)
		h.Write(buf[:])
		if utxo.Coinbase {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	accounts := make([]AccountID, 0, len(snap.Nonces))
	for account := range snap.Nonces {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	for _, account := range accounts {
		h.Write(account.Bytes())
		binary.BigEndian.PutUint64(buf[:], snap.Nonces[account])
		h.Write(buf[:])
	}

	return hexutil.Encode(h.Sum(nil))
}

// =============================================================================

// genesisUTXOs turns the genesis balance allocations into the initial set
// of outputs. The construction is deterministic: every node derives the
// same outpoints from the same genesis file.
func genesisUTXOs(gen genesis.Genesis) ([]UTXO, error) {
	accounts := make([]string, 0, len(gen.Balances))
	for account := range gen.Balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	var utxos []UTXO
	for _, account := range accounts {
		accountID, err := ToAccountID(account)
		if err != nil {
			return nil, err
		}

		tx := Tx{
			ChainID:   gen.ChainID,
			Outputs:   []TxOutput{{ToID: accountID, Value: gen.Balances[account]}},
			TimeStamp: uint64(gen.Date.UTC().Unix()),
		}
		txID, err := tx.ID()
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, UTXO{
			Outpoint: Outpoint{TxID: txID, Index: 0},
			ToID:     accountID,
			Value:    gen.Balances[account],
			Height:   0,
			Coinbase: true,
		})
	}

	return utxos, nil
}

// sortUTXOs orders outputs by outpoint for deterministic iteration.
func sortUTXOs(utxos []UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Index < utxos[j].Index
	})
}
