package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// payload implements the Hashable interface over a plain string.
type payload struct {
	Data string
}

func (p payload) Hash() ([]byte, error) {
	h := sha256.Sum256([]byte(p.Data))
	return h[:], nil
}

func (p payload) Equals(other payload) bool {
	return p.Data == other.Data
}

func values(data ...string) []payload {
	var vs []payload
	for _, d := range data {
		vs = append(vs, payload{Data: d})
	}
	return vs
}

func TestRootDeterminism(t *testing.T) {
	t.Log("Given the need for the same values to always produce the same root.")
	{
		tree1, err := merkle.NewTree(values("a", "b", "c", "d"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the first tree: %v", failed, err)
		}
		tree2, err := merkle.NewTree(values("a", "b", "c", "d"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the second tree: %v", failed, err)
		}

		if tree1.MerkleRootHex() != tree2.MerkleRootHex() {
			t.Fatalf("\t%s\tShould produce the same root for the same values.", failed)
		}
		t.Logf("\t%s\tShould produce the same root for the same values.", success)

		tree3, err := merkle.NewTree(values("a", "b", "d", "c"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the reordered tree: %v", failed, err)
		}
		if tree1.MerkleRootHex() == tree3.MerkleRootHex() {
			t.Fatalf("\t%s\tShould produce a different root when the order changes.", failed)
		}
		t.Logf("\t%s\tShould produce a different root when the order changes.", success)
	}
}

func TestOddLeafDuplication(t *testing.T) {
	t.Log("Given the need to handle an odd number of values.")
	{
		tree, err := merkle.NewTree(values("a", "b", "c"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build a tree with three values: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to build a tree with three values.", success)

		// The last leaf is duplicated, so the root must equal the root over
		// the explicit four value set with "c" repeated.
		padded, err := merkle.NewTree(values("a", "b", "c", "c"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the padded tree: %v", failed, err)
		}
		if tree.MerkleRootHex() != padded.MerkleRootHex() {
			t.Fatalf("\t%s\tShould duplicate the last leaf to pair it.", failed)
		}
		t.Logf("\t%s\tShould duplicate the last leaf to pair it.", success)

		vs := tree.Values()
		if len(vs) != 3 {
			t.Fatalf("\t%s\tShould report three values, got %d.", failed, len(vs))
		}
		t.Logf("\t%s\tShould report three values.", success)
	}
}

func TestEmptyTree(t *testing.T) {
	t.Log("Given the need to refuse a tree with no values.")
	{
		if _, err := merkle.NewTree([]payload{}); err == nil {
			t.Fatalf("\t%s\tShould refuse to build a tree with no values.", failed)
		}
		t.Logf("\t%s\tShould refuse to build a tree with no values.", success)
	}
}

func TestProof(t *testing.T) {
	t.Log("Given the need to prove a value is part of the tree.")
	{
		vs := values("a", "b", "c", "d", "e")
		tree, err := merkle.NewTree(vs)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the tree: %v", failed, err)
		}

		for _, v := range vs {
			proof, order, err := tree.Proof(v)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to produce a proof for %q: %v", failed, v.Data, err)
			}

			hash, err := v.Hash()
			if err != nil {
				t.Fatalf("\t%s\tShould be able to hash %q: %v", failed, v.Data, err)
			}

			for i, sibling := range proof {
				var data []byte
				if order[i] == 0 {
					data = append(append(data, sibling...), hash...)
				} else {
					data = append(append(data, hash...), sibling...)
				}
				sum := sha256.Sum256(data)
				hash = sum[:]
			}

			if !bytes.Equal(hash, tree.MerkleRoot) {
				t.Fatalf("\t%s\tShould verify the proof for %q against the root.", failed, v.Data)
			}
		}
		t.Logf("\t%s\tShould verify the proof for every value against the root.", success)

		if _, _, err := tree.Proof(payload{Data: "zz"}); err == nil {
			t.Fatalf("\t%s\tShould refuse a proof for a value not in the tree.", failed)
		}
		t.Logf("\t%s\tShould refuse a proof for a value not in the tree.", success)
	}
}
