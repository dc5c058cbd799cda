package signature_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const testPK = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"

func TestSignRecover(t *testing.T) {
	t.Log("Given the need to sign data and recover the signing address.")
	{
		pk, err := crypto.HexToECDSA(testPK)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to parse the private key: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to parse the private key.", success)

		data := []byte("the quick brown fox")

		v, r, s, err := signature.Sign(data, pk)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign the data: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to sign the data.", success)

		if err := signature.VerifySignature(v, r, s); err != nil {
			t.Fatalf("\t%s\tShould produce a verifiable signature: %v", failed, err)
		}
		t.Logf("\t%s\tShould produce a verifiable signature.", success)

		addr, err := signature.FromAddress(data, v, r, s)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to recover an address: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to recover an address.", success)

		exp := crypto.PubkeyToAddress(pk.PublicKey).String()
		if addr != exp {
			t.Logf("\t\tgot: %s", addr)
			t.Logf("\t\texp: %s", exp)
			t.Fatalf("\t%s\tShould recover the signer's address.", failed)
		}
		t.Logf("\t%s\tShould recover the signer's address.", success)
	}
}

func TestRecoverWrongData(t *testing.T) {
	t.Log("Given the need to detect a signature over different data.")
	{
		pk, err := crypto.HexToECDSA(testPK)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to parse the private key: %v", failed, err)
		}

		v, r, s, err := signature.Sign([]byte("original data"), pk)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign the data: %v", failed, err)
		}

		addr, err := signature.FromAddress([]byte("tampered data"), v, r, s)
		if err == nil && addr == crypto.PubkeyToAddress(pk.PublicKey).String() {
			t.Fatalf("\t%s\tShould not recover the signer's address for different data.", failed)
		}
		t.Logf("\t%s\tShould not recover the signer's address for different data.", success)
	}
}

func TestHashStability(t *testing.T) {
	t.Log("Given the need for a stable hash over fixed bytes.")
	{
		h1 := signature.Hash([]byte{0x01, 0x02, 0x03})
		h2 := signature.Hash([]byte{0x01, 0x02, 0x03})
		if h1 != h2 {
			t.Fatalf("\t%s\tShould hash the same bytes to the same value.", failed)
		}
		t.Logf("\t%s\tShould hash the same bytes to the same value.", success)

		if h3 := signature.Hash([]byte{0x01, 0x02, 0x04}); h3 == h1 {
			t.Fatalf("\t%s\tShould hash different bytes to different values.", failed)
		}
		t.Logf("\t%s\tShould hash different bytes to different values.", success)

		if len(h1) != 2+64 {
			t.Fatalf("\t%s\tShould produce a 32 byte hex encoded hash: len %d", failed, len(h1))
		}
		t.Logf("\t%s\tShould produce a 32 byte hex encoded hash.", success)
	}
}
