package database

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// Outpoint is the immutable identity of a spendable output: the id of the
// transaction that created it and the position of the output in that
// transaction.
type Outpoint struct {
	TxID  string `json:"txid"`
	Index uint32 `json:"index"`
}

// String implements the fmt.Stringer interface for logging.
func (op Outpoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxID, op.Index)
}

// TxOutput represents value being locked to an account.
type TxOutput struct {
	ToID  AccountID `json:"to"`
	Value uint64    `json:"value"`
}

// =============================================================================

// Tx is the transactional information between parties. Once signed it is
// immutable; the canonical encoding of this value (which excludes any
// signature) is what gets hashed into the transaction id and signed.
type Tx struct {
	ChainID   uint16     `json:"chain_id"`  // The chain the transaction is valid on.
	Nonce     uint64     `json:"nonce"`     // Strictly increasing, contiguous per sender.
	Inputs    []Outpoint `json:"inputs"`    // The outputs being spent. Empty only for a coinbase.
	Outputs   []TxOutput `json:"outputs"`   // Where the value goes. sum(inputs) - sum(outputs) is the fee.
	TimeStamp uint64     `json:"timestamp"` // The time the transaction was constructed.
}

// NewTx constructs a new transaction.
func NewTx(chainID uint16, nonce uint64, inputs []Outpoint, outputs []TxOutput) (Tx, error) {
	for _, out := range outputs {
		if !out.ToID.IsAccountID() {
			return Tx{}, fmt.Errorf("to account is not properly formatted: %q", out.ToID)
		}
	}

	tx := Tx{
		ChainID:   chainID,
		Nonce:     nonce,
		Inputs:    inputs,
		Outputs:   outputs,
		TimeStamp: uint64(time.Now().UTC().Unix()),
	}

	return tx, nil
}

// CanonicalBytes returns the deterministic byte serialization of the
// transaction. The layout is fixed and injective:
//
//	u16 chain_id | u64 nonce | u64 timestamp |
//	u32 input count  | per input:  32 byte txid | u32 index |
//	u32 output count | per output: 20 byte account | u64 value
//
// All integers are big endian. The signature is never part of these bytes,
// so the transaction id cannot be malleated by re-encoding the signature.
func (tx Tx) CanonicalBytes() ([]byte, error) {
	buf := make([]byte, 0, 26+len(tx.Inputs)*36+len(tx.Outputs)*28)

	buf = binary.BigEndian.AppendUint16(buf, tx.ChainID)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, tx.TimeStamp)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		txid, err := hexutil.Decode(in.TxID)
		if err != nil || len(txid) != 32 {
			return nil, fmt.Errorf("input txid %q is not a 32 byte hash", in.TxID)
		}
		buf = append(buf, txid...)
		buf = binary.BigEndian.AppendUint32(buf, in.Index)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = append(buf, out.ToID.Bytes()...)
		buf = binary.BigEndian.AppendUint64(buf, out.Value)
	}

	return buf, nil
}

// ID returns the unique id for the transaction: the hash of the canonical
// encoding, signature excluded.
func (tx Tx) ID() (string, error) {
	data, err := tx.CanonicalBytes()
	if err != nil {
		return "", err
	}

	return signature.Hash(data), nil
}

// Sign uses the specified private key to sign the transaction.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (SignedTx, error) {
	data, err := tx.CanonicalBytes()
	if err != nil {
		return SignedTx{}, err
	}

	// Sign the canonical bytes with the private key to produce a signature.
	v, r, s, err := signature.Sign(data, privateKey)
	if err != nil {
		return SignedTx{}, err
	}

	// Construct the signed transaction by adding the signature
	// in the [R|S|V] format.
	signedTx := SignedTx{
		Tx: tx,
		V:  v,
		R:  r,
		S:  s,
	}

	return signedTx, nil
}

// =============================================================================

// SignedTx is a signed version of the transaction. This is how clients like
// a wallet provide transactions for inclusion into the blockchain.
type SignedTx struct {
	Tx
	V *big.Int `json:"v"` // Recovery identifier, either 31 or 32 with quarryID.
	R *big.Int `json:"r"` // First coordinate of the ECDSA signature.
	S *big.Int `json:"s"` // Second coordinate of the ECDSA signature.
}

// NewCoinbaseTx constructs the reward claim transaction for a block. A
// coinbase has no inputs and carries no signature; its nonce is set to the
// block height so coinbase ids stay unique across blocks paying the same
// account the same amount.
func NewCoinbaseTx(chainID uint16, beneficiaryID AccountID, value uint64, height uint64) SignedTx {
	return SignedTx{
		Tx: Tx{
			ChainID:   chainID,
			Nonce:     height,
			Outputs:   []TxOutput{{ToID: beneficiaryID, Value: value}},
			TimeStamp: uint64(time.Now().UTC().Unix()),
		},
		V: new(big.Int),
		R: new(big.Int),
		S: new(big.Int),
	}
}

// IsCoinbase reports whether this transaction is a block reward claim.
func (tx SignedTx) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// Validate verifies the transaction has a proper signature that conforms to
// our standards and is associated with the data claimed to be signed. It
// also checks the format of the output accounts.
func (tx SignedTx) Validate(chainID uint16) error {
	if tx.ChainID != chainID {
		return fmt.Errorf("wrong chain id, got %d, exp %d", tx.ChainID, chainID)
	}

	for _, out := range tx.Outputs {
		if !out.ToID.IsAccountID() {
			return errors.New("invalid account for output")
		}
	}

	if tx.IsCoinbase() {
		return nil
	}

	if tx.V == nil || tx.R == nil || tx.S == nil {
		return errors.New("transaction is not signed")
	}

	if err := signature.VerifySignature(tx.V, tx.R, tx.S); err != nil {
		return err
	}

	return nil
}

// FromAccount extracts the account id that signed the transaction.
func (tx SignedTx) FromAccount() (AccountID, error) {
	data, err := tx.CanonicalBytes()
	if err != nil {
		return "", err
	}

	address, err := signature.FromAddress(data, tx.V, tx.R, tx.S)
	return AccountID(address), err
}

// SignatureString returns the signature as a string.
func (tx SignedTx) SignatureString() string {
	return signature.SignatureString(tx.V, tx.R, tx.S)
}

// Size returns the weight of the transaction: the length of its canonical
// encoding plus the fixed signature overhead.
func (tx SignedTx) Size() int {
	const signatureLength = 65

	data, err := tx.CanonicalBytes()
	if err != nil {
		return signatureLength
	}

	return len(data) + signatureLength
}

// String implements the fmt.Stringer interface for logging.
func (tx SignedTx) String() string {
	if tx.IsCoinbase() {
		return fmt.Sprintf("coinbase:%d", tx.Nonce)
	}

	from, err := tx.FromAccount()
	if err != nil {
		from = "unknown"
	}

	return fmt.Sprintf("%s:%d", from, tx.Nonce)
}

// Hash implements the merkle Hashable interface. The leaf hash of a
// transaction is its id, so the merkle root is computed over the ordered
// transaction id list.
func (tx SignedTx) Hash() ([]byte, error) {
	id, err := tx.ID()
	if err != nil {
		return nil, err
	}

	return hexutil.Decode(id)
}

// Equals implements the merkle Hashable interface for providing an equality
// check between two transactions. Ids are canonical identity.
func (tx SignedTx) Equals(otherTx SignedTx) bool {
	id, err := tx.ID()
	if err != nil {
		return false
	}

	otherID, err := otherTx.ID()
	if err != nil {
		return false
	}

	return id == otherID
}
