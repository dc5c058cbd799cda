package database

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Number        uint64 `json:"number"`          // Block height in the chain.
	PrevBlockHash string `json:"prev_block_hash"` // Hash of the previous block in the chain.
	TimeStamp     uint64 `json:"timestamp"`       // Time the block was mined.
	TargetHex     string `json:"target"`          // The 32 byte proof of work target the hash must fall under.
	Nonce         uint64 `json:"nonce"`           // Value identified to solve the hash solution.
	TransRoot     string `json:"trans_root"`      // Merkle root over the ordered transaction ids.
}

// CanonicalBytes returns the deterministic byte serialization of the
// header. The layout is fixed:
//
//	u64 number | 32 byte prev hash | u64 timestamp |
//	32 byte target | u64 nonce | 32 byte trans root
//
// All integers are big endian. The block hash is the sha256 of these bytes.
func (h BlockHeader) CanonicalBytes() ([]byte, error) {
	prev, err := hexutil.Decode(h.PrevBlockHash)
	if err != nil || len(prev) != 32 {
		return nil, fmt.Errorf("prev block hash %q is not a 32 byte hash", h.PrevBlockHash)
	}

	target, err := hexutil.Decode(h.TargetHex)
	if err != nil || len(target) != 32 {
		return nil, fmt.Errorf("target %q is not a 32 byte value", h.TargetHex)
	}

	root, err := hexutil.Decode(h.TransRoot)
	if err != nil || len(root) != 32 {
		return nil, fmt.Errorf("trans root %q is not a 32 byte hash", h.TransRoot)
	}

	buf := make([]byte, 0, 120)
	buf = binary.BigEndian.AppendUint64(buf, h.Number)
	buf = append(buf, prev...)
	buf = binary.BigEndian.AppendUint64(buf, h.TimeStamp)
	buf = append(buf, target...)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, root...)

	return buf, nil
}

// Target returns the proof of work target as a big integer.
func (h BlockHeader) Target() (*big.Int, error) {
	target, err := hexutil.Decode(h.TargetHex)
	if err != nil || len(target) != 32 {
		return nil, fmt.Errorf("target %q is not a 32 byte value", h.TargetHex)
	}

	return new(big.Int).SetBytes(target), nil
}

// Work returns the work contribution of a block mined against the specified
// target: 2^256 / (target + 1). Cumulative work along a chain is the sum of
// each block's contribution.
func Work(target *big.Int) *big.Int {
	if target == nil || target.Sign() <= 0 {
		return new(big.Int)
	}

	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Div(max, new(big.Int).Add(target, big.NewInt(1)))
}

// TargetToHex converts a big integer target to its fixed 32 byte hex form.
func TargetToHex(target *big.Int) string {
	var buf [32]byte
	target.FillBytes(buf[:])
	return hexutil.Encode(buf[:])
}

// =============================================================================

// Block represents a group of transactions batched together.
type Block struct {
	Header BlockHeader
	Trans  *merkle.Tree[SignedTx]
}

// POWArgs represents the set of arguments required to run POW.
type POWArgs struct {
	ChainID       uint16
	BeneficiaryID AccountID
	TargetHex     string
	Reward        uint64
	PrevHash      string
	PrevNumber    uint64
	Trans         []SignedTx
	EvHandler     func(v string, args ...any)
}

// POW constructs a new Block and performs the work to find a nonce that
// solves the cryptographic POW puzzle. The transactions must not include a
// coinbase; the reward claim is constructed here.
func POW(ctx context.Context, args POWArgs) (Block, error) {

	// The reward claim is always the first transaction in the block.
	coinbase := NewCoinbaseTx(args.ChainID, args.BeneficiaryID, args.Reward, args.PrevNumber+1)
	trans := append([]SignedTx{coinbase}, args.Trans...)

	// Construct a merkle tree from the transactions for this block. The root
	// of this tree will be part of the block to be mined.
	tree, err := merkle.NewTree(trans)
	if err != nil {
		return Block{}, err
	}

	// Construct the block to be mined.
	nb := Block{
		Header: BlockHeader{
			Number:        args.PrevNumber + 1,
			PrevBlockHash: args.PrevHash,
			TimeStamp:     uint64(time.Now().UTC().Unix()),
			TargetHex:     args.TargetHex,
			Nonce:         0, // Will be identified by the POW algorithm.
			TransRoot:     tree.MerkleRootHex(),
		},
		Trans: tree,
	}

	// Perform the proof of work mining operation.
	if err := nb.performPOW(ctx, args.EvHandler); err != nil {
		return Block{}, err
	}

	return nb, nil
}

// performPOW does the work of mining to find a valid hash for a specified
// block. Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ctx context.Context, ev func(v string, args ...any)) error {
	ev("database: PerformPOW: MINING: started")
	defer ev("database: PerformPOW: MINING: completed")

	target, err := b.Header.Target()
	if err != nil {
		return err
	}

	// Choose a random starting point for the nonce. After this, the nonce
	// will be incremented by 1 until a solution is found by us or another node.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return err
	}
	b.Header.Nonce = nBig.Uint64()

	// Loop until we or another node finds a solution for the next block.
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: PerformPOW: MINING: attempts[%d]", attempts)
		}

		// Did we get cancelled because another node won this height.
		if ctx.Err() != nil {
			ev("database: PerformPOW: MINING: CANCELLED")
			return ctx.Err()
		}

		// Hash the header and check if we have solved the puzzle.
		hash, err := b.Hash()
		if err != nil {
			return err
		}
		if !isHashSolved(hash, target) {
			b.Header.Nonce++
			continue
		}

		ev("database: PerformPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]", b.Header.PrevBlockHash, hash)
		ev("database: PerformPOW: MINING: attempts[%d]", attempts)

		return nil
	}
}

// Hash returns the unique hash for the Block: the sha256 over the canonical
// header encoding.
func (b Block) Hash() (string, error) {
	data, err := b.Header.CanonicalBytes()
	if err != nil {
		return "", err
	}

	return signature.Hash(data), nil
}

// HashSolved reports whether the block hash satisfies the proof of work
// requirement hash < target.
func (b Block) HashSolved() (bool, error) {
	hash, err := b.Hash()
	if err != nil {
		return false, err
	}

	target, err := b.Header.Target()
	if err != nil {
		return false, err
	}

	return isHashSolved(hash, target), nil
}

// ValidateHeader takes a block and validates its header against the parent
// block's values and the target the consensus rules expect for this height.
func (b Block) ValidateHeader(parentHash string, parentNumber uint64, parentTime uint64, expectedTargetHex string, maxClockDrift uint64, ev func(v string, args ...any)) error {
	ev("database: ValidateHeader: blk[%d]: check: block number is the next number", b.Header.Number)

	if b.Header.Number != parentNumber+1 {
		return fmt.Errorf("this block is not the next number, got %d, exp %d", b.Header.Number, parentNumber+1)
	}

	ev("database: ValidateHeader: blk[%d]: check: parent hash does match parent block", b.Header.Number)

	if b.Header.PrevBlockHash != parentHash {
		return fmt.Errorf("parent block hash doesn't match our known parent, got %s, exp %s", b.Header.PrevBlockHash, parentHash)
	}

	ev("database: ValidateHeader: blk[%d]: check: target matches the consensus rules", b.Header.Number)

	if b.Header.TargetHex != expectedTargetHex {
		return fmt.Errorf("block target does not match the retarget rule, got %s, exp %s", b.Header.TargetHex, expectedTargetHex)
	}

	ev("database: ValidateHeader: blk[%d]: check: block hash has been solved", b.Header.Number)

	solved, err := b.HashSolved()
	if err != nil {
		return err
	}
	if !solved {
		hash, _ := b.Hash()
		return fmt.Errorf("%s invalid block hash", hash)
	}

	ev("database: ValidateHeader: blk[%d]: check: block timestamp is within the drift window", b.Header.Number)

	if parentTime > 0 && b.Header.TimeStamp <= parentTime {
		return fmt.Errorf("block timestamp is not after parent block, parent %d, block %d", parentTime, b.Header.TimeStamp)
	}

	now := uint64(time.Now().UTC().Unix())
	if b.Header.TimeStamp > now+maxClockDrift {
		return fmt.Errorf("block timestamp is too far in the future, now %d, block %d", now, b.Header.TimeStamp)
	}

	ev("database: ValidateHeader: blk[%d]: check: merkle root does match transactions", b.Header.Number)

	if b.Trans == nil || len(b.Trans.Values()) == 0 {
		return errors.New("block has no transactions")
	}

	if b.Header.TransRoot != b.Trans.MerkleRootHex() {
		return fmt.Errorf("merkle root does not match transactions, got %s, exp %s", b.Trans.MerkleRootHex(), b.Header.TransRoot)
	}

	return nil
}

// =============================================================================

// BlockData represents what can be serialized to disk and over the network.
type BlockData struct {
	Hash   string      `json:"hash"`
	Header BlockHeader `json:"block"`
	Trans  []SignedTx  `json:"trans"`
}

// NewBlockData constructs the value to serialize from a block.
func NewBlockData(block Block) BlockData {
	hash, err := block.Hash()
	if err != nil {
		hash = signature.ZeroHash
	}

	blockData := BlockData{
		Hash:   hash,
		Header: block.Header,
		Trans:  block.Trans.Values(),
	}

	return blockData
}

// ToBlock converts a storage block into a business block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	nb := Block{
		Header: blockData.Header,
		Trans:  tree,
	}

	return nb, nil
}

// =============================================================================

// isHashSolved checks the hash to make sure it complies with
// the POW rules: the hash interpreted as a number must fall under target.
func isHashSolved(hash string, target *big.Int) bool {
	h, err := hexutil.Decode(hash)
	if err != nil || len(h) != 32 {
		return false
	}

	return new(big.Int).SetBytes(h).Cmp(target) < 0
}
