package database

import (
	"fmt"
	"math"
)

// RejectReason is the closed set of reasons a transaction can be rejected.
// Callers are expected to switch over every reason.
type RejectReason string

// The complete set of transaction rejection reasons.
const (
	RejectMalformedStructure  RejectReason = "MalformedStructure"
	RejectUnknownOrSpentInput RejectReason = "UnknownOrSpentInput"
	RejectInvalidSignature    RejectReason = "InvalidSignature"
	RejectInsufficientFunds   RejectReason = "InsufficientFunds"
	RejectInvalidNonce        RejectReason = "InvalidNonce"
	RejectConflict            RejectReason = "Conflict"
)

// RejectError is returned when a transaction fails validation. Rejections
// are expected and recoverable; the offending transaction is simply
// discarded.
type RejectError struct {
	Reason RejectReason
	Err    error
}

// NewRejectError constructs a reject error for the specified reason.
func NewRejectError(reason RejectReason, format string, args ...any) error {
	return &RejectError{
		Reason: reason,
		Err:    fmt.Errorf(format, args...),
	}
}

// Error implements the error interface.
func (re *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", re.Reason, re.Err)
}

// Unwrap returns the inner error for errors.Is/As support.
func (re *RejectError) Unwrap() error {
	return re.Err
}

// =============================================================================

// UTXOView represents read access to a consistent snapshot of unspent
// outputs. The Database implements this, as do the overlay views used while
// applying a block's transactions cumulatively.
type UTXOView interface {
	GetUTXO(op Outpoint) (UTXO, bool)
}

// NonceFunc reports the last confirmed (or pending, when validating for the
// mempool) nonce for an account.
type NonceFunc func(account AccountID) uint64

// ValidTx is the result of a successful validation: the recovered sender
// and the derived fee, so callers don't repeat the expensive recovery.
type ValidTx struct {
	Tx   SignedTx
	From AccountID
	Fee  uint64
	Size int
}

// ValidateTx validates a single non-coinbase transaction against a UTXO
// view and a sender nonce view. The checks short-circuit on first failure
// and always run in the same order so rejections are reproducible. There
// are no side effects on rejection.
func ValidateTx(tx SignedTx, chainID uint16, view UTXOView, nonceOf NonceFunc) (ValidTx, error) {

	// Check 1: structure.
	if tx.IsCoinbase() {
		return ValidTx{}, NewRejectError(RejectMalformedStructure, "coinbase transaction outside a block")
	}
	if len(tx.Outputs) == 0 {
		return ValidTx{}, NewRejectError(RejectMalformedStructure, "transaction has no outputs")
	}
	if err := tx.Validate(chainID); err != nil {
		return ValidTx{}, NewRejectError(RejectMalformedStructure, "structural validation: %s", err)
	}

	seen := make(map[Outpoint]bool, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if seen[in] {
			return ValidTx{}, NewRejectError(RejectMalformedStructure, "duplicate input %s", in)
		}
		seen[in] = true
	}

	// Check 2: every input resolves in the view.
	var sumIn uint64
	spent := make([]UTXO, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		utxo, exists := view.GetUTXO(in)
		if !exists {
			return ValidTx{}, NewRejectError(RejectUnknownOrSpentInput, "input %s is unknown or already spent", in)
		}
		if utxo.Value > math.MaxUint64-sumIn {
			return ValidTx{}, NewRejectError(RejectMalformedStructure, "input sum overflows")
		}
		sumIn += utxo.Value
		spent = append(spent, utxo)
	}

	// Check 3: the signature verifies and the sender owns every input.
	from, err := tx.FromAccount()
	if err != nil {
		return ValidTx{}, NewRejectError(RejectInvalidSignature, "unable to recover sender: %s", err)
	}
	for _, utxo := range spent {
		if utxo.ToID != from {
			return ValidTx{}, NewRejectError(RejectInvalidSignature, "input %s is not owned by sender %s", utxo.Outpoint, from)
		}
	}

	// Check 4: sum(inputs) >= sum(outputs); the difference is the fee.
	var sumOut uint64
	for _, out := range tx.Outputs {
		if out.Value > math.MaxUint64-sumOut {
			return ValidTx{}, NewRejectError(RejectMalformedStructure, "output sum overflows")
		}
		sumOut += out.Value
	}
	if sumIn < sumOut {
		return ValidTx{}, NewRejectError(RejectInsufficientFunds, "inputs %d less than outputs %d", sumIn, sumOut)
	}

	// Check 5: the nonce is the next contiguous value for the sender. Gaps
	// are rejected, not buffered. Replacement of a pending transaction with
	// the same nonce is the mempool's decision, not the validator's.
	if next := nonceOf(from) + 1; tx.Nonce != next {
		return ValidTx{}, NewRejectError(RejectInvalidNonce, "nonce for %s must be %d, got %d", from, next, tx.Nonce)
	}

	vt := ValidTx{
		Tx:   tx,
		From: from,
		Fee:  sumIn - sumOut,
		Size: tx.Size(),
	}

	return vt, nil
}

// =============================================================================

// BatchView layers the outputs created and consumed by earlier transactions
// in a block over a base view, so transactions within one block are
// validated cumulatively. Internal spends (an output created earlier in the
// same batch) are only visible when the chain policy allows them.
type BatchView struct {
	base           UTXOView
	internalSpends bool
	created        map[Outpoint]UTXO
	spent          map[Outpoint]bool
}

// NewBatchView constructs a view over the specified base.
func NewBatchView(base UTXOView, internalSpends bool) *BatchView {
	return &BatchView{
		base:           base,
		internalSpends: internalSpends,
		created:        make(map[Outpoint]UTXO),
		spent:          make(map[Outpoint]bool),
	}
}

// GetUTXO implements the UTXOView interface.
func (bv *BatchView) GetUTXO(op Outpoint) (UTXO, bool) {
	if bv.spent[op] {
		return UTXO{}, false
	}

	if utxo, exists := bv.created[op]; exists {
		if !bv.internalSpends {
			return UTXO{}, false
		}
		return utxo, true
	}

	return bv.base.GetUTXO(op)
}

// MarkSpent records an outpoint as consumed by an earlier transaction in
// the batch.
func (bv *BatchView) MarkSpent(op Outpoint) {
	bv.spent[op] = true
}

// MarkCreated records an output created by an earlier transaction in the
// batch.
func (bv *BatchView) MarkCreated(utxo UTXO) {
	bv.created[utxo.Outpoint] = utxo
}
