package mempool_test

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const (
	pk1Hex = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	pk2Hex = "9f332e3700d8fc2446eaf6d15034cf96e0c2745e40353deef032a5dbf1dfed93"
)

const chainID = uint16(1)

func loadKey(t *testing.T, hex string) *ecdsa.PrivateKey {
	t.Helper()

	pk, err := crypto.HexToECDSA(hex)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to parse private key: %v", failed, err)
	}
	return pk
}

func outpoint(prefix byte, index uint32) database.Outpoint {
	txid := make([]byte, 32)
	for i := range txid {
		txid[i] = prefix
	}
	return database.Outpoint{TxID: "0x" + hexEncode(txid), Index: index}
}

func hexEncode(data []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, digits[b>>4], digits[b&0x0f])
	}
	return string(out)
}

// pooled constructs a signed transaction wrapped as a validated one with the
// specified fee, skipping the validator since these tests exercise pool
// mechanics only.
func pooled(t *testing.T, pk *ecdsa.PrivateKey, nonce uint64, fee uint64, value uint64, inputs []database.Outpoint) database.ValidTx {
	t.Helper()

	toID := database.PublicKeyToAccountID(pk.PublicKey)
	tx, err := database.NewTx(chainID, nonce, inputs, []database.TxOutput{{ToID: toID, Value: value}})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct transaction: %v", failed, err)
	}

	signedTx, err := tx.Sign(pk)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign transaction: %v", failed, err)
	}

	return database.ValidTx{
		Tx:   signedTx,
		From: database.PublicKeyToAccountID(pk.PublicKey),
		Fee:  fee,
		Size: signedTx.Size(),
	}
}

func TestUpsertReplaceByFee(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	op1 := outpoint(0x11, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to replace a pending transaction by fee rate.")
	{
		low := pooled(t, pk1, 1, 10, 100, []database.Outpoint{op1})
		if _, err := mp.Upsert(low); err != nil {
			t.Fatalf("\t%s\tShould be able to add the first transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to add the first transaction.", success)

		high := pooled(t, pk1, 1, 20, 90, []database.Outpoint{op1})
		if _, err := mp.Upsert(high); err != nil {
			t.Fatalf("\t%s\tShould accept a replacement with a higher fee rate: %v", failed, err)
		}
		t.Logf("\t%s\tShould accept a replacement with a higher fee rate.", success)

		if count := mp.Count(); count != 1 {
			t.Fatalf("\t%s\tShould hold exactly one transaction, got %d.", failed, count)
		}
		t.Logf("\t%s\tShould hold exactly one transaction.", success)

		txs := mp.Transactions()
		if len(txs) != 1 || txs[0].Fee != 20 {
			t.Fatalf("\t%s\tShould hold the replacement transaction.", failed)
		}
		t.Logf("\t%s\tShould hold the replacement transaction.", success)

		equal := pooled(t, pk1, 1, 20, 80, []database.Outpoint{op1})
		_, err := mp.Upsert(equal)

		var rejErr *database.RejectError
		if !errors.As(err, &rejErr) || rejErr.Reason != database.RejectConflict {
			t.Fatalf("\t%s\tShould reject an equal fee rate with the conflict reason: %v", failed, err)
		}
		t.Logf("\t%s\tShould reject an equal fee rate with the conflict reason.", success)
	}
}

func TestUpsertOutpointConflict(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	op1 := outpoint(0x11, 0)
	op2 := outpoint(0x22, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to resolve a claimed outpoint across senders.")
	{
		if _, err := mp.Upsert(pooled(t, pk1, 1, 5, 100, []database.Outpoint{op1})); err != nil {
			t.Fatalf("\t%s\tShould be able to add sender1 nonce 1: %v", failed, err)
		}
		if _, err := mp.Upsert(pooled(t, pk1, 2, 5, 100, []database.Outpoint{op2})); err != nil {
			t.Fatalf("\t%s\tShould be able to add sender1 nonce 2: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to add sender1's chain.", success)

		// Another sender claims the same outpoint with a much better rate.
		if _, err := mp.Upsert(pooled(t, pk2, 1, 50, 100, []database.Outpoint{op1})); err != nil {
			t.Fatalf("\t%s\tShould accept the better paying claim: %v", failed, err)
		}
		t.Logf("\t%s\tShould accept the better paying claim.", success)

		txs := mp.Transactions()
		if len(txs) != 1 {
			t.Fatalf("\t%s\tShould drop the losing sender's whole chain, got %d transactions.", failed, len(txs))
		}
		if txs[0].From != account2 {
			t.Fatalf("\t%s\tShould keep only the winning sender's transaction.", failed)
		}
		t.Logf("\t%s\tShould drop the losing sender's whole chain.", success)
	}
}

func TestUpsertSameSenderOutpointConflict(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	op1 := outpoint(0x11, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to keep one sender from claiming its own pooled outpoint from another nonce slot.")
	{
		if _, err := mp.Upsert(pooled(t, pk1, 1, 5, 100, []database.Outpoint{op1})); err != nil {
			t.Fatalf("\t%s\tShould be able to add nonce 1: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to add nonce 1.", success)

		// The same sender at nonce 2 spends the outpoint its nonce 1 already
		// claims. Letting the higher fee win would evict nonce 1 and leave a
		// gap below nonce 2.
		_, err := mp.Upsert(pooled(t, pk1, 2, 50, 100, []database.Outpoint{op1}))

		var rejErr *database.RejectError
		if !errors.As(err, &rejErr) || rejErr.Reason != database.RejectConflict {
			t.Fatalf("\t%s\tShould reject the cross slot claim with the conflict reason: %v", failed, err)
		}
		t.Logf("\t%s\tShould reject the cross slot claim with the conflict reason.", success)

		txs := mp.Transactions()
		if len(txs) != 1 || txs[0].Tx.Nonce != 1 {
			t.Fatalf("\t%s\tShould leave the pooled nonce 1 transaction in place.", failed)
		}
		t.Logf("\t%s\tShould leave the pooled nonce 1 transaction in place.", success)
	}
}

func TestRemoveConfirmedKeepsDependents(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)

	op1 := outpoint(0x11, 0)
	op2 := outpoint(0x22, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to keep a sender's higher nonces when a block confirms a lower one.")
	{
		vt1 := pooled(t, pk1, 1, 5, 100, []database.Outpoint{op1})
		if _, err := mp.Upsert(vt1); err != nil {
			t.Fatalf("\t%s\tShould be able to add nonce 1: %v", failed, err)
		}
		if _, err := mp.Upsert(pooled(t, pk1, 2, 5, 100, []database.Outpoint{op2})); err != nil {
			t.Fatalf("\t%s\tShould be able to add nonce 2: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to add the sender's chain.", success)

		// The block confirms exactly the pooled nonce 1 transaction. Nonce 2
		// spends a different outpoint and is now contiguous with the
		// confirmed state, so it must stay.
		mp.RemoveConfirmed([]database.SignedTx{vt1.Tx})

		txs := mp.Transactions()
		if len(txs) != 1 || txs[0].Tx.Nonce != 2 {
			t.Fatalf("\t%s\tShould keep only the nonce 2 transaction, got %d transactions.", failed, len(txs))
		}
		t.Logf("\t%s\tShould keep only the nonce 2 transaction.", success)
	}
}

func TestUpsertExtremeFeeRates(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	op1 := outpoint(0x11, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to compare fee rates that overflow 64 bit products.")
	{
		// Sized so fee*size wraps around a uint64. A wrapping comparison
		// would see the huge fee as zero and let the tiny fee replace it.
		huge := pooled(t, pk1, 1, 1<<60, 100, []database.Outpoint{op1})
		huge.Size = 16
		if _, err := mp.Upsert(huge); err != nil {
			t.Fatalf("\t%s\tShould be able to add the huge fee transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to add the huge fee transaction.", success)

		tiny := pooled(t, pk1, 1, 2, 100, []database.Outpoint{op1})
		tiny.Size = 16
		_, err := mp.Upsert(tiny)

		var rejErr *database.RejectError
		if !errors.As(err, &rejErr) || rejErr.Reason != database.RejectConflict {
			t.Fatalf("\t%s\tShould reject the lower paying replacement: %v", failed, err)
		}
		t.Logf("\t%s\tShould reject the lower paying replacement.", success)

		txs := mp.Transactions()
		if len(txs) != 1 || txs[0].Fee != 1<<60 {
			t.Fatalf("\t%s\tShould keep the huge fee transaction pooled.", failed)
		}
		t.Logf("\t%s\tShould keep the huge fee transaction pooled.", success)
	}
}

func TestPickBestNonceOrder(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to pick transactions in sender nonce order.")
	{
		// The highest fee sits on the highest nonce, so a naive fee sort
		// would break the chain.
		mp.Upsert(pooled(t, pk1, 1, 5, 100, []database.Outpoint{outpoint(0x11, 0)}))
		mp.Upsert(pooled(t, pk1, 2, 10, 100, []database.Outpoint{outpoint(0x22, 0)}))
		mp.Upsert(pooled(t, pk1, 3, 50, 100, []database.Outpoint{outpoint(0x33, 0)}))
		mp.Upsert(pooled(t, pk2, 1, 20, 100, []database.Outpoint{outpoint(0x44, 0)}))

		txs := mp.PickBest(-1)
		if len(txs) != 4 {
			t.Fatalf("\t%s\tShould pick all four transactions, got %d.", failed, len(txs))
		}
		t.Logf("\t%s\tShould pick all four transactions.", success)

		var lastNonce uint64
		for _, tx := range txs {
			if tx.From != account1 {
				continue
			}
			if tx.Tx.Nonce != lastNonce+1 {
				t.Fatalf("\t%s\tShould keep sender1's nonces contiguous, got %d after %d.", failed, tx.Tx.Nonce, lastNonce)
			}
			lastNonce = tx.Tx.Nonce
		}
		t.Logf("\t%s\tShould keep sender1's nonces contiguous.", success)

		size := txs[0].Size
		limited := mp.PickBest(size)
		if len(limited) != 1 {
			t.Fatalf("\t%s\tShould honor the weight budget, got %d transactions.", failed, len(limited))
		}
		t.Logf("\t%s\tShould honor the weight budget.", success)
	}
}

func TestPendingNonce(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to report the highest pending nonce for a sender.")
	{
		if nonce := mp.PendingNonce(account1, 4); nonce != 4 {
			t.Fatalf("\t%s\tShould report the confirmed nonce when nothing is pending, got %d.", failed, nonce)
		}
		t.Logf("\t%s\tShould report the confirmed nonce when nothing is pending.", success)

		mp.Upsert(pooled(t, pk1, 5, 5, 100, []database.Outpoint{outpoint(0x11, 0)}))
		mp.Upsert(pooled(t, pk1, 6, 5, 100, []database.Outpoint{outpoint(0x22, 0)}))

		if nonce := mp.PendingNonce(account1, 4); nonce != 6 {
			t.Fatalf("\t%s\tShould report the highest pending nonce, got %d.", failed, nonce)
		}
		t.Logf("\t%s\tShould report the highest pending nonce.", success)
	}
}

func TestEnforceLimit(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to cap the pool without breaking sender chains.")
	{
		// Sender1's nonce 1 pays the least, but it has a pooled descendant
		// so the eviction must take the chain's top instead.
		mp.Upsert(pooled(t, pk1, 1, 1, 100, []database.Outpoint{outpoint(0x11, 0)}))
		mp.Upsert(pooled(t, pk1, 2, 8, 100, []database.Outpoint{outpoint(0x22, 0)}))
		mp.Upsert(pooled(t, pk2, 1, 30, 100, []database.Outpoint{outpoint(0x33, 0)}))

		evicted := mp.EnforceLimit(2)
		if evicted != 1 {
			t.Fatalf("\t%s\tShould evict exactly one transaction, got %d.", failed, evicted)
		}
		t.Logf("\t%s\tShould evict exactly one transaction.", success)

		for _, tx := range mp.Transactions() {
			if tx.From == account1 && tx.Tx.Nonce == 2 {
				t.Fatalf("\t%s\tShould evict the top of sender1's chain.", failed)
			}
		}
		t.Logf("\t%s\tShould evict the top of sender1's chain.", success)

		if count := mp.Count(); count != 2 {
			t.Fatalf("\t%s\tShould hold two transactions, got %d.", failed, count)
		}
		t.Logf("\t%s\tShould hold two transactions.", success)
	}
}

// mapView is a UTXOView over a fixed set of outputs.
type mapView map[database.Outpoint]database.UTXO

func (mv mapView) GetUTXO(op database.Outpoint) (database.UTXO, bool) {
	utxo, exists := mv[op]
	return utxo, exists
}

func TestReconcile(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	op1 := outpoint(0x11, 0)
	op2 := outpoint(0x22, 0)

	mp, err := mempool.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
	}

	t.Log("Given the need to reconcile the pool after the chain moves.")
	{
		mp.Upsert(pooled(t, pk1, 1, 5, 100, []database.Outpoint{op1}))
		mp.Upsert(pooled(t, pk1, 2, 5, 100, []database.Outpoint{op2}))

		// A block confirmed sender1's nonce 1 and spent op1; op2 remains.
		view := mapView{
			op2: {Outpoint: op2, ToID: account1, Value: 200},
		}
		nonceOf := func(database.AccountID) uint64 { return 1 }

		dropped := mp.Reconcile(chainID, view, nonceOf)
		if dropped != 1 {
			t.Fatalf("\t%s\tShould drop exactly one transaction, got %d.", failed, dropped)
		}
		t.Logf("\t%s\tShould drop exactly one transaction.", success)

		txs := mp.Transactions()
		if len(txs) != 1 || txs[0].Tx.Nonce != 2 {
			t.Fatalf("\t%s\tShould keep the still valid nonce 2 transaction.", failed)
		}
		t.Logf("\t%s\tShould keep the still valid nonce 2 transaction.", success)
	}
}
