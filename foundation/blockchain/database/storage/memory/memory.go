// Package memory implements the database.Storage interface with maps,
// keeping nothing across restarts. Used by tests and ephemeral nodes.
package memory

import (
	"fmt"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// Memory represents the in-memory implementation of the database.Storage
// interface.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string]database.BlockData
	index  map[string]database.IndexEntry
	undos  map[string]database.UndoRecord
	utxos  map[database.Outpoint]database.UTXO
	nonces map[database.AccountID]uint64
	meta   map[string][]byte
}

// New constructs a Memory value for use.
func New() (*Memory, error) {
	m := Memory{
		blocks: make(map[string]database.BlockData),
		index:  make(map[string]database.IndexEntry),
		undos:  make(map[string]database.UndoRecord),
		utxos:  make(map[database.Outpoint]database.UTXO),
		nonces: make(map[database.AccountID]uint64),
		meta:   make(map[string][]byte),
	}

	return &m, nil
}

// Close in this implementation has nothing to do.
func (m *Memory) Close() error {
	return nil
}

// Reset drops all stored state.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = make(map[string]database.BlockData)
	m.index = make(map[string]database.IndexEntry)
	m.undos = make(map[string]database.UndoRecord)
	m.utxos = make(map[database.Outpoint]database.UTXO)
	m.nonces = make(map[database.AccountID]uint64)
	m.meta = make(map[string][]byte)

	return nil
}

// =============================================================================

// WriteBlock stores the specified block under its hash.
func (m *Memory) WriteBlock(blockData database.BlockData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[blockData.Hash] = blockData
	return nil
}

// GetBlock returns the contents of the specified block by hash.
func (m *Memory) GetBlock(hash string) (database.BlockData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blockData, exists := m.blocks[hash]
	if !exists {
		return database.BlockData{}, fmt.Errorf("block %q not found", hash)
	}
	return blockData, nil
}

// WriteIndexEntry stores the header summary for a block under its hash.
func (m *Memory) WriteIndexEntry(entry database.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index[entry.Hash] = entry
	return nil
}

// ForEachIndexEntry walks every stored index entry in no particular order.
func (m *Memory) ForEachIndexEntry(fn func(entry database.IndexEntry) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.index {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// WriteUndo stores the undo record for a block under the block hash.
func (m *Memory) WriteUndo(undo database.UndoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.undos[undo.BlockHash] = undo
	return nil
}

// GetUndo returns the undo record for the specified block hash.
func (m *Memory) GetUndo(blockHash string) (database.UndoRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	undo, exists := m.undos[blockHash]
	if !exists {
		return database.UndoRecord{}, fmt.Errorf("undo for block %q not found", blockHash)
	}
	return undo, nil
}

// DeleteUndo removes the undo record for the specified block hash.
func (m *Memory) DeleteUndo(blockHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.undos, blockHash)
	return nil
}

// WriteUTXO stores the specified unspent output under its outpoint.
func (m *Memory) WriteUTXO(utxo database.UTXO) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.utxos[utxo.Outpoint] = utxo
	return nil
}

// DeleteUTXO removes the specified outpoint.
func (m *Memory) DeleteUTXO(op database.Outpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.utxos, op)
	return nil
}

// ForEachUTXO walks every stored unspent output.
func (m *Memory) ForEachUTXO(fn func(utxo database.UTXO) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, utxo := range m.utxos {
		if err := fn(utxo); err != nil {
			return err
		}
	}
	return nil
}

// WriteNonce stores the last confirmed nonce for the specified account.
func (m *Memory) WriteNonce(account database.AccountID, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonces[account] = nonce
	return nil
}

// ForEachNonce walks every stored account nonce.
func (m *Memory) ForEachNonce(fn func(account database.AccountID, nonce uint64) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for account, nonce := range m.nonces {
		if err := fn(account, nonce); err != nil {
			return err
		}
	}
	return nil
}

// PutMeta stores an opaque value under the specified key.
func (m *Memory) PutMeta(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta[key] = append([]byte{}, value...)
	return nil
}

// GetMeta returns the value stored under the specified key, or nil when
// the key has never been written.
func (m *Memory) GetMeta(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.meta[key]
	if !exists {
		return nil, nil
	}
	return append([]byte{}, value...), nil
}
