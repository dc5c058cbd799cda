package public

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// tx is the client view of a pooled transaction.
type tx struct {
	TxID      string              `json:"txid"`
	From      database.AccountID  `json:"from"`
	Nonce     uint64              `json:"nonce"`
	Inputs    []database.Outpoint `json:"inputs"`
	Outputs   []database.TxOutput `json:"outputs"`
	Fee       uint64              `json:"fee"`
	Size      int                 `json:"size"`
	TimeStamp uint64              `json:"timestamp"`
	Sig       string              `json:"sig"`
}

// balance is the client view of an account's spendable funds.
type balance struct {
	Account database.AccountID `json:"account"`
	Balance uint64             `json:"balance"`
	UTXOs   int                `json:"utxos"`
}
