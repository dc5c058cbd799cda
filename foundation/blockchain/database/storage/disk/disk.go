// Package disk implements the database.Storage interface on top of a
// single bbolt file.
package disk

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	bolt "go.etcd.io/bbolt"
)

// The set of buckets maintained inside the bolt file.
var buckets = []string{"blocks", "index", "undo", "utxo", "nonce", "meta"}

// Disk represents the bolt backed implementation for durably storing
// blocks, the block index, undo records, and the UTXO state. This
// implements the database.Storage interface.
type Disk struct {
	db *bolt.DB
}

// New constructs a Disk value for use, creating the bolt file and its
// buckets when they don't exist yet.
func New(dbPath string) (*Disk, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt file %q: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Disk{db: db}, nil
}

// Close releases the bolt file.
func (d *Disk) Close() error {
	return d.db.Close()
}

// Reset drops every bucket and recreates them empty. Used by checkpoint
// sync when the whole local state is replaced.
func (d *Disk) Reset() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if err := tx.DeleteBucket([]byte(bucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================

// WriteBlock stores the specified block under its hash.
func (d *Disk) WriteBlock(blockData database.BlockData) error {
	return d.put("blocks", blockData.Hash, blockData)
}

// GetBlock returns the contents of the specified block by hash.
func (d *Disk) GetBlock(hash string) (database.BlockData, error) {
	var blockData database.BlockData
	if err := d.get("blocks", hash, &blockData); err != nil {
		return database.BlockData{}, err
	}
	return blockData, nil
}

// WriteIndexEntry stores the header summary for a block under its hash.
func (d *Disk) WriteIndexEntry(entry database.IndexEntry) error {
	return d.put("index", entry.Hash, entry)
}

// ForEachIndexEntry walks every persisted index entry. The order is the
// bolt key order, not chain order.
func (d *Disk) ForEachIndexEntry(fn func(entry database.IndexEntry) error) error {
	return d.forEach("index", func(v []byte) error {
		var entry database.IndexEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		return fn(entry)
	})
}

// WriteUndo stores the undo record for a block under the block hash.
func (d *Disk) WriteUndo(undo database.UndoRecord) error {
	return d.put("undo", undo.BlockHash, undo)
}

// GetUndo returns the undo record for the specified block hash.
func (d *Disk) GetUndo(blockHash string) (database.UndoRecord, error) {
	var undo database.UndoRecord
	if err := d.get("undo", blockHash, &undo); err != nil {
		return database.UndoRecord{}, err
	}
	return undo, nil
}

// DeleteUndo removes the undo record for a block that fell outside the
// retention window.
func (d *Disk) DeleteUndo(blockHash string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("undo")).Delete([]byte(blockHash))
	})
}

// WriteUTXO stores the specified unspent output under its outpoint.
func (d *Disk) WriteUTXO(utxo database.UTXO) error {
	return d.put("utxo", utxo.Outpoint.String(), utxo)
}

// DeleteUTXO removes the specified outpoint.
func (d *Disk) DeleteUTXO(op database.Outpoint) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("utxo")).Delete([]byte(op.String()))
	})
}

// ForEachUTXO walks every persisted unspent output.
func (d *Disk) ForEachUTXO(fn func(utxo database.UTXO) error) error {
	return d.forEach("utxo", func(v []byte) error {
		var utxo database.UTXO
		if err := json.Unmarshal(v, &utxo); err != nil {
			return err
		}
		return fn(utxo)
	})
}

// WriteNonce stores the last confirmed nonce for the specified account.
func (d *Disk) WriteNonce(account database.AccountID, nonce uint64) error {
	return d.put("nonce", string(account), nonce)
}

// ForEachNonce walks every persisted account nonce.
func (d *Disk) ForEachNonce(fn func(account database.AccountID, nonce uint64) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("nonce")).ForEach(func(k, v []byte) error {
			var nonce uint64
			if err := json.Unmarshal(v, &nonce); err != nil {
				return err
			}
			return fn(database.AccountID(k), nonce)
		})
	})
}

// PutMeta stores an opaque value under the specified key.
func (d *Disk) PutMeta(key string, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("meta")).Put([]byte(key), value)
	})
}

// GetMeta returns the value stored under the specified key, or nil when
// the key has never been written.
func (d *Disk) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte("meta")).Get([]byte(key)); v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	})
	return value, err
}

// =============================================================================

func (d *Disk) put(bucket string, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (d *Disk) get(bucket string, key string, value any) error {
	var data []byte
	if err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return err
	}

	if data == nil {
		return fmt.Errorf("key %q not found in bucket %q", key, bucket)
	}

	return json.Unmarshal(data, value)
}

func (d *Disk) forEach(bucket string, fn func(v []byte) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}
