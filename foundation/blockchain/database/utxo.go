package database

// UTXO represents an unspent transaction output: the unit of spendable
// value. It lives in the set from the block that creates it until the block
// that spends it, or is reintroduced when a reorg rolls that block back.
type UTXO struct {
	Outpoint
	ToID     AccountID `json:"to"`
	Value    uint64    `json:"value"`
	Height   uint64    `json:"height"`   // Block height that created the output.
	Coinbase bool      `json:"coinbase"` // Whether the output was a block reward claim.
}

// UndoRecord carries everything needed to exactly reverse a block's effect
// on the UTXO set. It is self contained: the full spent outputs are stored,
// not just their outpoints, so undo needs no external lookup.
type UndoRecord struct {
	BlockHash  string               `json:"block_hash"`
	Height     uint64               `json:"height"`
	Spent      []UTXO               `json:"spent"`       // Outputs removed by the block, restored on undo.
	Created    []Outpoint           `json:"created"`     // Outputs created by the block, removed on undo.
	PrevNonces map[AccountID]uint64 `json:"prev_nonces"` // Sender nonces as they were before the block.
}
