package database_test

import (
	"errors"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/database/storage/memory"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

const easyTarget = "0x7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

func testGenesis(balances map[string]uint64) genesis.Genesis {
	return genesis.Genesis{
		Date:               time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChainID:            chainID,
		TransPerBlock:      10,
		BlockMaxWeight:     1 << 16,
		TargetHex:          easyTarget,
		DifficultyInterval: 100,
		TargetSpacing:      60,
		MaxClockDrift:      120,
		MiningReward:       500,
		HalvingInterval:    1000,
		ReorgDepth:         10,
		MempoolMaxSize:     100,
		MempoolTTL:         3600,
		Balances:           balances,
	}
}

func nopEv(v string, args ...any) {}

func newDatabase(t *testing.T, gen genesis.Genesis) *database.Database {
	t.Helper()

	storage, err := memory.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct storage: %v", failed, err)
	}

	db, err := database.New(gen, storage, nopEv)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct database: %v", failed, err)
	}

	return db
}

func makeBlock(t *testing.T, height uint64, trans []database.SignedTx) database.Block {
	t.Helper()

	tree, err := merkle.NewTree(trans)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build merkle tree: %v", failed, err)
	}

	return database.Block{
		Header: database.BlockHeader{
			Number:        height,
			PrevBlockHash: signature.ZeroHash,
			TimeStamp:     uint64(time.Date(2026, time.January, 1, 0, 1, 0, 0, time.UTC).Unix()),
			TargetHex:     easyTarget,
			Nonce:         0,
			TransRoot:     tree.MerkleRootHex(),
		},
		Trans: tree,
	}
}

func TestGenesisSeeding(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	gen := testGenesis(map[string]uint64{
		string(account1): 1000,
		string(account2): 2500,
	})

	t.Log("Given the need to seed balances from the genesis file.")
	{
		db1 := newDatabase(t, gen)
		db2 := newDatabase(t, gen)

		if balance := db1.Balance(account1); balance != 1000 {
			t.Fatalf("\t%s\tShould seed account1 with 1000, got %d.", failed, balance)
		}
		t.Logf("\t%s\tShould seed account1 with 1000.", success)

		if balance := db1.Balance(account2); balance != 2500 {
			t.Fatalf("\t%s\tShould seed account2 with 2500, got %d.", failed, balance)
		}
		t.Logf("\t%s\tShould seed account2 with 2500.", success)

		if db1.HashState() != db2.HashState() {
			t.Fatalf("\t%s\tShould derive the same state hash on every node.", failed)
		}
		t.Logf("\t%s\tShould derive the same state hash on every node.", success)

		if utxos := db1.UTXOsByAccount(account1); len(utxos) != 1 || !utxos[0].Coinbase || utxos[0].Height != 0 {
			t.Fatalf("\t%s\tShould seed one coinbase output at height zero.", failed)
		}
		t.Logf("\t%s\tShould seed one coinbase output at height zero.", success)
	}
}

func TestApplyUndoBlock(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	gen := testGenesis(map[string]uint64{string(account1): 1000})
	db := newDatabase(t, gen)

	t.Log("Given the need to apply a block and reverse it exactly.")
	{
		before := db.HashState()

		genUTXO := db.UTXOsByAccount(account1)[0]
		tx := signTx(t, pk1, 1, []database.Outpoint{genUTXO.Outpoint}, []database.TxOutput{
			{ToID: account2, Value: 600},
			{ToID: account1, Value: 390},
		})
		coinbase := database.NewCoinbaseTx(chainID, account1, gen.MiningReward+10, 1)

		block := makeBlock(t, 1, []database.SignedTx{coinbase, tx})

		undo, err := db.ApplyBlock(block)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to apply the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the block.", success)

		if balance := db.Balance(account2); balance != 600 {
			t.Fatalf("\t%s\tShould move 600 to account2, got %d.", failed, balance)
		}
		t.Logf("\t%s\tShould move 600 to account2.", success)

		if balance := db.Balance(account1); balance != 390+gen.MiningReward+10 {
			t.Fatalf("\t%s\tShould leave account1 the change plus the reward, got %d.", failed, balance)
		}
		t.Logf("\t%s\tShould leave account1 the change plus the reward.", success)

		if nonce := db.NonceOf(account1); nonce != 1 {
			t.Fatalf("\t%s\tShould bump account1's nonce to 1, got %d.", failed, nonce)
		}
		t.Logf("\t%s\tShould bump account1's nonce to 1.", success)

		if err := db.UndoBlock(undo); err != nil {
			t.Fatalf("\t%s\tShould be able to undo the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to undo the block.", success)

		if db.HashState() != before {
			t.Fatalf("\t%s\tShould restore the exact state hash after undo.", failed)
		}
		t.Logf("\t%s\tShould restore the exact state hash after undo.", success)

		if nonce := db.NonceOf(account1); nonce != 0 {
			t.Fatalf("\t%s\tShould restore account1's nonce to 0, got %d.", failed, nonce)
		}
		t.Logf("\t%s\tShould restore account1's nonce to 0.", success)
	}
}

func TestApplyBlockIntraBlockNetting(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	gen := testGenesis(map[string]uint64{string(account1): 1000})
	db := newDatabase(t, gen)

	t.Log("Given the need for outputs created and spent in one block to net out.")
	{
		before := db.HashState()

		genUTXO := db.UTXOsByAccount(account1)[0]
		tx1 := signTx(t, pk1, 1, []database.Outpoint{genUTXO.Outpoint}, []database.TxOutput{{ToID: account1, Value: 1000}})
		tx1ID, err := tx1.ID()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to hash tx1: %v", failed, err)
		}

		chained := database.Outpoint{TxID: tx1ID, Index: 0}
		tx2 := signTx(t, pk1, 2, []database.Outpoint{chained}, []database.TxOutput{{ToID: account2, Value: 1000}})
		coinbase := database.NewCoinbaseTx(chainID, account1, gen.MiningReward, 1)

		block := makeBlock(t, 1, []database.SignedTx{coinbase, tx1, tx2})

		undo, err := db.ApplyBlock(block)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to apply the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the block.", success)

		if len(undo.Spent) != 1 || undo.Spent[0].Outpoint != genUTXO.Outpoint {
			t.Fatalf("\t%s\tShould only record the genesis output as spent.", failed)
		}
		t.Logf("\t%s\tShould only record the genesis output as spent.", success)

		for _, op := range undo.Created {
			if op == chained {
				t.Fatalf("\t%s\tShould not record the netted output as created.", failed)
			}
		}
		t.Logf("\t%s\tShould not record the netted output as created.", success)

		if _, exists := db.GetUTXO(chained); exists {
			t.Fatalf("\t%s\tShould not leave the netted output in the utxo set.", failed)
		}
		t.Logf("\t%s\tShould not leave the netted output in the utxo set.", success)

		if balance := db.Balance(account2); balance != 1000 {
			t.Fatalf("\t%s\tShould move the full value to account2, got %d.", failed, balance)
		}
		t.Logf("\t%s\tShould move the full value to account2.", success)

		if nonce := db.NonceOf(account1); nonce != 2 {
			t.Fatalf("\t%s\tShould record the highest nonce in the block, got %d.", failed, nonce)
		}
		t.Logf("\t%s\tShould record the highest nonce in the block.", success)

		if err := db.UndoBlock(undo); err != nil {
			t.Fatalf("\t%s\tShould be able to undo the block: %v", failed, err)
		}
		if db.HashState() != before {
			t.Fatalf("\t%s\tShould restore the exact state hash after undo.", failed)
		}
		t.Logf("\t%s\tShould restore the exact state hash after undo.", success)
	}
}

func TestApplyBlockUnknownSpend(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	gen := testGenesis(map[string]uint64{string(account1): 1000})
	db := newDatabase(t, gen)

	t.Log("Given the need to reject a block spending an unknown output.")
	{
		before := db.HashState()

		bogus := database.Outpoint{TxID: "0x5555555555555555555555555555555555555555555555555555555555555555", Index: 0}
		tx := signTx(t, pk1, 1, []database.Outpoint{bogus}, []database.TxOutput{{ToID: account1, Value: 100}})
		coinbase := database.NewCoinbaseTx(chainID, account1, gen.MiningReward, 1)

		block := makeBlock(t, 1, []database.SignedTx{coinbase, tx})

		_, err := db.ApplyBlock(block)

		var conErr *database.ConsistencyError
		if !errors.As(err, &conErr) {
			t.Fatalf("\t%s\tShould reject with a consistency error: %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with a consistency error.", success)

		if db.HashState() != before {
			t.Fatalf("\t%s\tShould leave the state untouched on rejection.", failed)
		}
		t.Logf("\t%s\tShould leave the state untouched on rejection.", success)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	pk2 := loadKey(t, pk2Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)
	account2 := database.PublicKeyToAccountID(pk2.PublicKey)

	gen := testGenesis(map[string]uint64{string(account1): 1000})

	t.Log("Given the need to export and install a state snapshot.")
	{
		db := newDatabase(t, gen)

		genUTXO := db.UTXOsByAccount(account1)[0]
		tx := signTx(t, pk1, 1, []database.Outpoint{genUTXO.Outpoint}, []database.TxOutput{{ToID: account2, Value: 1000}})
		coinbase := database.NewCoinbaseTx(chainID, account1, gen.MiningReward, 1)

		undo, err := db.ApplyBlock(makeBlock(t, 1, []database.SignedTx{coinbase, tx}))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to apply the block: %v", failed, err)
		}

		snap := db.Snapshot()
		if snap.HashState() != db.HashState() {
			t.Fatalf("\t%s\tShould hash the snapshot identically to the database.", failed)
		}
		t.Logf("\t%s\tShould hash the snapshot identically to the database.", success)

		other := newDatabase(t, gen)
		if err := other.Replace(snap); err != nil {
			t.Fatalf("\t%s\tShould be able to install the snapshot: %v", failed, err)
		}
		if other.HashState() != db.HashState() {
			t.Fatalf("\t%s\tShould match the source state after install.", failed)
		}
		t.Logf("\t%s\tShould match the source state after install.", success)

		// Rolling the snapshot back one block must reproduce genesis state.
		fresh := newDatabase(t, gen)
		if err := snap.Undo(undo); err != nil {
			t.Fatalf("\t%s\tShould be able to undo against the snapshot: %v", failed, err)
		}
		if snap.HashState() != fresh.HashState() {
			t.Fatalf("\t%s\tShould reproduce the genesis state hash.", failed)
		}
		t.Logf("\t%s\tShould reproduce the genesis state hash.", success)
	}
}

func TestSnapshotIntegrity(t *testing.T) {
	pk1 := loadKey(t, pk1Hex)
	account1 := database.PublicKeyToAccountID(pk1.PublicKey)

	t.Log("Given the need to guard the state hash against malformed snapshots.")
	{
		bad := database.Snapshot{
			UTXOs: []database.UTXO{{
				Outpoint: database.Outpoint{TxID: "not-a-hash", Index: 0},
				ToID:     account1,
				Value:    5,
			}},
			Nonces: map[database.AccountID]uint64{},
		}
		empty := database.Snapshot{Nonces: map[database.AccountID]uint64{}}

		if bad.HashState() == empty.HashState() {
			t.Fatalf("\t%s\tShould never hash a malformed outpoint the same as its absence.", failed)
		}
		t.Logf("\t%s\tShould never hash a malformed outpoint the same as its absence.", success)

		db := newDatabase(t, testGenesis(map[string]uint64{string(account1): 1000}))
		before := db.HashState()

		var consErr *database.ConsistencyError
		if err := db.Replace(bad); !errors.As(err, &consErr) {
			t.Fatalf("\t%s\tShould refuse to install a malformed snapshot: %v", failed, err)
		}
		t.Logf("\t%s\tShould refuse to install a malformed snapshot.", success)

		if db.HashState() != before {
			t.Fatalf("\t%s\tShould leave the state untouched after the refusal.", failed)
		}
		t.Logf("\t%s\tShould leave the state untouched after the refusal.", success)
	}
}
