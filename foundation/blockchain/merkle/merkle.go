// Package merkle provides an implementation of a merkle tree for validation
// support for the blockchain.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EmptyRootHex is the root reported for a tree with no values. A block can
// never be empty (it always carries a coinbase transaction) so this value
// never appears in a valid chain.
const EmptyRootHex = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// =============================================================================

// Node represents a node, root, or leaf in the tree.
type Node[T Hashable[T]] struct {
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   []byte
	Value  T
	leaf   bool
	dup    bool
}

// Tree represents a merkle tree that uses data of some type T that exhibits
// the behavior defined by the Hashable constraint. The tie rules are fixed:
// leaf hashes are the values' hashes, interior nodes hash left||right with
// sha256, and a level with an odd node count duplicates its last node.
type Tree[T Hashable[T]] struct {
	Root       *Node[T]
	Leafs      []*Node[T]
	MerkleRoot []byte
}

// NewTree constructs a new merkle tree from the ordered set of values.
func NewTree[T Hashable[T]](values []T) (*Tree[T], error) {
	var t Tree[T]
	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the leafs and nodes of the tree from the specified
// data. If the tree has been generated previously, the tree is re-generated
// from scratch.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		return errors.New("cannot construct tree with no content")
	}

	var leafs []*Node[T]
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return err
		}

		leafs = append(leafs, &Node[T]{
			Hash:  hash,
			Value: value,
			leaf:  true,
		})
	}

	if len(leafs)%2 == 1 {
		last := leafs[len(leafs)-1]
		leafs = append(leafs, &Node[T]{
			Hash:  last.Hash,
			Value: last.Value,
			leaf:  true,
			dup:   true,
		})
	}

	root, err := buildIntermediate(leafs)
	if err != nil {
		return err
	}

	t.Root = root
	t.Leafs = leafs
	t.MerkleRoot = root.Hash

	return nil
}

// Values returns a copy of the values stored in the tree in their
// original order. Duplicated tie-break leafs are excluded.
func (t *Tree[T]) Values() []T {
	var values []T
	for _, leaf := range t.Leafs {
		if leaf.dup {
			continue
		}
		values = append(values, leaf.Value)
	}

	return values
}

// MerkleRootHex returns the merkle root of the tree as a hex encoded string.
func (t *Tree[T]) MerkleRootHex() string {
	if t.MerkleRoot == nil {
		return EmptyRootHex
	}

	return hexutil.Encode(t.MerkleRoot)
}

// Proof returns the set of sibling hashes and the order of concatenating
// those hashes for proving a value is in the tree. An order value of 0 means
// the proof hash is concatenated before the value's hash, 1 after.
func (t *Tree[T]) Proof(value T) ([][]byte, []int64, error) {
	for _, node := range t.Leafs {
		if !node.Value.Equals(value) {
			continue
		}

		var proof [][]byte
		var order []int64
		parent := node.Parent

		for parent != nil {
			if bytes.Equal(parent.Left.Hash, node.Hash) {
				proof = append(proof, parent.Right.Hash)
				order = append(order, 1)
			} else {
				proof = append(proof, parent.Left.Hash)
				order = append(order, 0)
			}
			node = parent
			parent = parent.Parent
		}

		return proof, order, nil
	}

	return nil, nil, errors.New("unable to find value in tree")
}

// =============================================================================

// buildIntermediate constructs the intermediate levels of the tree above the
// specified nodes, one level at a time, and returns the resulting root.
func buildIntermediate[T Hashable[T]](nodes []*Node[T]) (*Node[T], error) {
	var level []*Node[T]

	for i := 0; i < len(nodes); i += 2 {
		left, right := i, i+1

		// An odd node count at this level duplicates the last node.
		if i+1 == len(nodes) {
			right = i
		}

		h := sha256.New()
		if _, err := h.Write(append(nodes[left].Hash, nodes[right].Hash...)); err != nil {
			return nil, err
		}

		node := Node[T]{
			Left:  nodes[left],
			Right: nodes[right],
			Hash:  h.Sum(nil),
		}

		nodes[left].Parent = &node
		nodes[right].Parent = &node

		level = append(level, &node)
	}

	if len(level) == 1 {
		return level[0], nil
	}

	return buildIntermediate(level)
}
