package database_test

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
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

func signTx(t *testing.T, pk *ecdsa.PrivateKey, nonce uint64, inputs []database.Outpoint, outputs []database.TxOutput) database.SignedTx {
	t.Helper()

	tx, err := database.NewTx(chainID, nonce, inputs, outputs)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct transaction: %v", failed, err)
	}

	signedTx, err := tx.Sign(pk)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign transaction: %v", failed, err)
	}

	return signedTx
}

// mapView is a UTXOView over a fixed set of outputs.
type mapView map[database.Outpoint]database.UTXO

func (mv mapView) GetUTXO(op database.Outpoint) (database.UTXO, bool) {
	utxo, exists := mv[op]
	return utxo, exists
}

func zeroNonce(database.AccountID) uint64 { return 0 }

func TestValidateTx(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	op1 := database.Outpoint{TxID: "0x1111111111111111111111111111111111111111111111111111111111111111", Index: 0}
	op2 := database.Outpoint{TxID: "0x2222222222222222222222222222222222222222222222222222222222222222", Index: 1}
	opUnknown := database.Outpoint{TxID: "0x3333333333333333333333333333333333333333333333333333333333333333", Index: 0}

	view := mapView{
		op1: {Outpoint: op1, ToID: account1, Value: 1000},
		op2: {Outpoint: op2, ToID: account2, Value: 500},
	}

	tt := []struct {
		name   string
		tx     func(t *testing.T) database.SignedTx
		reason database.RejectReason
	}{
		{
			name: "valid",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{op1}, []database.TxOutput{{ToID: account2, Value: 900}})
			},
			reason: "",
		},
		{
			name: "coinbase",
			tx: func(t *testing.T) database.SignedTx {
				return database.NewCoinbaseTx(chainID, account1, 100, 1)
			},
			reason: database.RejectMalformedStructure,
		},
		{
			name: "no outputs",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{op1}, nil)
			},
			reason: database.RejectMalformedStructure,
		},
		{
			name: "duplicate input",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{op1, op1}, []database.TxOutput{{ToID: account2, Value: 100}})
			},
			reason: database.RejectMalformedStructure,
		},
		{
			name: "unknown input",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{opUnknown}, []database.TxOutput{{ToID: account2, Value: 100}})
			},
			reason: database.RejectUnknownOrSpentInput,
		},
		{
			name: "input not owned by sender",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{op2}, []database.TxOutput{{ToID: account2, Value: 100}})
			},
			reason: database.RejectInvalidSignature,
		},
		{
			name: "outputs exceed inputs",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 1, []database.Outpoint{op1}, []database.TxOutput{{ToID: account2, Value: 2000}})
			},
			reason: database.RejectInsufficientFunds,
		},
		{
			name: "nonce gap",
			tx: func(t *testing.T) database.SignedTx {
				return signTx(t, pk1, 5, []database.Outpoint{op1}, []database.TxOutput{{ToID: account2, Value: 900}})
			},
			reason: database.RejectInvalidNonce,
		},
	}

	t.Log("Given the need to validate transactions against the utxo set.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a %s transaction.", testID, tst.name)
			{
				f := func(t *testing.T) {
					_, err := database.ValidateTx(tst.tx(t), chainID, view, zeroNonce)

					if tst.reason == "" {
						if err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould accept the transaction: %v", failed, testID, err)
						}
						t.Logf("\t%s\tTest %d:\tShould accept the transaction.", success, testID)
						return
					}

					var rejErr *database.RejectError
					if !errors.As(err, &rejErr) {
						t.Fatalf("\t%s\tTest %d:\tShould reject with a reject error: %v", failed, testID, err)
					}
					if rejErr.Reason != tst.reason {
						t.Fatalf("\t%s\tTest %d:\tShould reject with reason %s, got %s.", failed, testID, tst.reason, rejErr.Reason)
					}
					t.Logf("\t%s\tTest %d:\tShould reject with reason %s.", success, testID, tst.reason)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestValidateTxFee(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	op1 := database.Outpoint{TxID: "0x1111111111111111111111111111111111111111111111111111111111111111", Index: 0}
	view := mapView{
		op1: {Outpoint: op1, ToID: account1, Value: 1000},
	}

	t.Log("Given the need to derive the fee from inputs and outputs.")
	{
		tx := signTx(t, pk1, 1, []database.Outpoint{op1}, []database.TxOutput{
			{ToID: account2, Value: 700},
			{ToID: account1, Value: 250},
		})

		vt, err := database.ValidateTx(tx, chainID, view, zeroNonce)
		if err != nil {
			t.Fatalf("\t%s\tShould accept the transaction: %v", failed, err)
		}
		t.Logf("\t%s\tShould accept the transaction.", success)

		if vt.Fee != 50 {
			t.Fatalf("\t%s\tShould compute the fee as 50, got %d.", failed, vt.Fee)
		}
		t.Logf("\t%s\tShould compute the fee as 50.", success)

		if vt.From != account1 {
			t.Fatalf("\t%s\tShould recover the sender, got %s.", failed, vt.From)
		}
		t.Logf("\t%s\tShould recover the sender.", success)
	}
}

func TestTxIDExcludesSignature(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	t.Log("Given the need for transaction ids to be signature independent.")
	{
		op := database.Outpoint{TxID: "0x1111111111111111111111111111111111111111111111111111111111111111", Index: 0}
		tx, err := database.NewTx(chainID, 1, []database.Outpoint{op}, []database.TxOutput{{ToID: account1, Value: 100}})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to construct transaction: %v", failed, err)
		}

		signed1, err := tx.Sign(pk1)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign with the first key: %v", failed, err)
		}
		signed2, err := tx.Sign(pk2)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign with the second key: %v", failed, err)
		}

		id1, err := signed1.ID()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to hash the first transaction: %v", failed, err)
		}
		id2, err := signed2.ID()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to hash the second transaction: %v", failed, err)
		}

		if id1 != id2 {
			t.Logf("\t\tid1: %s", id1)
			t.Logf("\t\tid2: %s", id2)
			t.Fatalf("\t%s\tShould produce the same id regardless of signer.", failed)
		}
		t.Logf("\t%s\tShould produce the same id regardless of signer.", success)
	}
}

func TestBatchViewInternalSpends(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	created := database.UTXO{
		Outpoint: database.Outpoint{TxID: "0x4444444444444444444444444444444444444444444444444444444444444444", Index: 0},
		ToID:     account1,
		Value:    100,
	}

	t.Log("Given the need to control visibility of outputs created inside a block.")
	{
		t.Logf("\tTest 0:\tWhen internal spends are allowed.")
		{
			bv := database.NewBatchView(mapView{}, true)
			bv.MarkCreated(created)

			if _, exists := bv.GetUTXO(created.Outpoint); !exists {
				t.Fatalf("\t%s\tTest 0:\tShould see the output created earlier in the batch.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould see the output created earlier in the batch.", success)

			bv.MarkSpent(created.Outpoint)
			if _, exists := bv.GetUTXO(created.Outpoint); exists {
				t.Fatalf("\t%s\tTest 0:\tShould not see an output after it is spent in the batch.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not see an output after it is spent in the batch.", success)
		}

		t.Logf("\tTest 1:\tWhen internal spends are not allowed.")
		{
			bv := database.NewBatchView(mapView{}, false)
			bv.MarkCreated(created)

			if _, exists := bv.GetUTXO(created.Outpoint); exists {
				t.Fatalf("\t%s\tTest 1:\tShould not see the output created earlier in the batch.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould not see the output created earlier in the batch.", success)
		}
	}
}
