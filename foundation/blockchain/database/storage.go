package database

// IndexEntry is the header summary the chain manager persists for every
// block it has ever accepted, canonical or not. The full block index is
// rebuilt from these entries on startup.
type IndexEntry struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Height     uint64 `json:"height"`
	CumWork    string `json:"cum_work"` // Cumulative work as a decimal string.
	TimeStamp  uint64 `json:"timestamp"`
	TargetHex  string `json:"target"`
}

// Storage interface represents the behavior required to be implemented by
// any package providing durability for blocks, the block index, undo data,
// and the UTXO state.
type Storage interface {
	WriteBlock(blockData BlockData) error
	GetBlock(hash string) (BlockData, error)

	WriteIndexEntry(entry IndexEntry) error
	ForEachIndexEntry(fn func(entry IndexEntry) error) error

	WriteUndo(undo UndoRecord) error
	GetUndo(blockHash string) (UndoRecord, error)
	DeleteUndo(blockHash string) error

	WriteUTXO(utxo UTXO) error
	DeleteUTXO(op Outpoint) error
	ForEachUTXO(fn func(utxo UTXO) error) error

	WriteNonce(account AccountID, nonce uint64) error
	ForEachNonce(fn func(account AccountID, nonce uint64) error) error

	PutMeta(key string, value []byte) error
	GetMeta(key string) ([]byte, error)

	Reset() error
	Close() error
}

// Meta keys used by the chain manager.
const (
	MetaKeyTip = "tip"
)
