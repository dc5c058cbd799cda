// Package signature provides helper functions for handling the blockchain
// signature needs.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0x0000000000000000000000000000000000000000000000000000000000000000"

// quarryID is an arbitrary number added to the recovery id when signing.
// This makes it clear that a signature comes from the Quarry blockchain.
// Ethereum and Bitcoin do this as well, but they use the value of 27.
const quarryID = 31

// =============================================================================

// Hash returns the sha256 hash of the canonical bytes as a hex encoded
// string with a 0x prefix.
func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hexutil.Encode(hash[:])
}

// Sign uses the specified private key to sign the canonical bytes.
func Sign(data []byte, privateKey *ecdsa.PrivateKey) (v, r, s *big.Int, err error) {

	// Prepare the data for signing.
	stamped := stamp(data)

	// Sign the hash with the private key to produce a signature.
	sig, err := crypto.Sign(stamped, privateKey)
	if err != nil {
		return nil, nil, nil, err
	}

	// Extract the public key from the data and the signature.
	publicKey, err := crypto.SigToPub(stamped, sig)
	if err != nil {
		return nil, nil, nil, err
	}

	// Check the public key extracted from the data and signature.
	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), stamped, rs) {
		return nil, nil, nil, errors.New("invalid signature")
	}

	// Convert the 65 byte signature into the [R|S|V] format.
	v, r, s = toSignatureValues(sig)

	return v, r, s, nil
}

// VerifySignature verifies the signature conforms to our standards.
func VerifySignature(v, r, s *big.Int) error {

	// Check the recovery id is either 0 or 1.
	uintV := v.Uint64() - quarryID
	if uintV != 0 && uintV != 1 {
		return errors.New("invalid recovery id")
	}

	// Check the signature values are valid. The homestead flag enforces the
	// canonical low-S form so a transaction id can't be malleated by a
	// third party re-encoding the signature.
	if !crypto.ValidateSignatureValues(byte(uintV), r, s, true) {
		return errors.New("invalid signature values")
	}

	return nil
}

// FromAddress extracts the address for the account that signed the
// canonical bytes.
func FromAddress(data []byte, v, r, s *big.Int) (string, error) {

	// NOTE: If the exact same canonical bytes for the given signature are not
	// provided we will recover the wrong from address. There is no way to
	// check this on the node since we don't carry a copy of the public key.
	// The public key is being extracted from the data and signature.

	// Prepare the data for public key extraction.
	stamped := stamp(data)

	// Convert the [R|S|V] format into the original 65 bytes.
	sig := ToSignatureBytes(v, r, s)

	// Capture the public key associated with this data and signature.
	publicKey, err := crypto.SigToPub(stamped, sig)
	if err != nil {
		return "", err
	}

	// Extract the account address from the public key.
	return crypto.PubkeyToAddress(*publicKey).String(), nil
}

// SignatureString returns the signature as a string.
func SignatureString(v, r, s *big.Int) string {
	return hexutil.Encode(ToSignatureBytesWithQuarryID(v, r, s))
}

// ToVRSFromHexSignature converts a hex representation of the signature into
// its R, S and V parts.
func ToVRSFromHexSignature(sigStr string) (v, r, s *big.Int, err error) {
	sig, err := hex.DecodeString(sigStr[2:])
	if err != nil {
		return nil, nil, nil, err
	}
	if len(sig) != 65 {
		return nil, nil, nil, errors.New("signature must be 65 bytes")
	}

	r = new(big.Int).SetBytes(sig[:32])
	s = new(big.Int).SetBytes(sig[32:64])
	v = new(big.Int).SetBytes([]byte{sig[64]})

	return v, r, s, nil
}

// =============================================================================

// stamp returns a hash of 32 bytes that represents the canonical bytes with
// the Quarry stamp embedded into the final hash.
func stamp(data []byte) []byte {

	// Hash the canonical bytes into a 32 byte array. This provides
	// a data length consistency with all data being signed.
	txHash := crypto.Keccak256(data)

	// This stamp is used so signatures we produce when signing data are
	// always unique to the Quarry blockchain.
	stamp := []byte("\x19Quarry Signed Message:\n32")

	// Hash the stamp and txHash together in a final 32 byte array
	// that represents the data.
	return crypto.Keccak256(stamp, txHash)
}

// toSignatureValues converts the signature into the r, s, v values.
func toSignatureValues(sig []byte) (v, r, s *big.Int) {
	r = new(big.Int).SetBytes(sig[:32])
	s = new(big.Int).SetBytes(sig[32:64])
	v = new(big.Int).SetBytes([]byte{sig[64] + quarryID})

	return v, r, s
}

// ToSignatureBytes converts the r, s, v values into a slice of bytes
// with the removal of the quarryID.
func ToSignatureBytes(v, r, s *big.Int) []byte {
	sig := make([]byte, crypto.SignatureLength)

	rBytes := r.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)

	sBytes := s.Bytes()
	copy(sig[64-len(sBytes):64], sBytes)

	sig[64] = byte(v.Uint64() - quarryID)

	return sig
}

// ToSignatureBytesWithQuarryID converts the r, s, v values into a slice of
// bytes keeping the Quarry id.
func ToSignatureBytesWithQuarryID(v, r, s *big.Int) []byte {
	sig := ToSignatureBytes(v, r, s)
	sig[64] = byte(v.Uint64())

	return sig
}
