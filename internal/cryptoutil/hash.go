// Package cryptoutil is the node's hash and signing oracle: every content
// hash, txid, block hash, and signature the rest of the node produces or
// checks goes through here so the primitives stay in one place.
package cryptoutil

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest size, in bytes, used for content hashes (txid,
// block hash) throughout the node.
const HashSize = 32

// checksumSize is the digest size, in bytes, used for the address
// checksum appended to the address prefix.
const checksumSize = 2

// Hash returns the blake2b digest of data as a lowercase hex string,
// matching the node's canonical hashing.blake2b_hash behavior.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashSized returns the blake2b digest of data at the given size (in
// bytes) as a lowercase hex string.
func HashSized(data []byte, size int) (string, error) {
	h, err := blake2b.New(size, nil)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new blake2b hasher: %w", err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashLink combines two hashes the way block-producer hash penalties are
// computed: the digest of linkFrom concatenated with linkTo.
func HashLink(linkFrom, linkTo string) string {
	return Hash([]byte(linkFrom + linkTo))
}

// GenerateKeyPair creates a new Ed25519 key pair using a CSPRNG source.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: generate key pair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs message with the given private key, returning a hex-encoded
// signature.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	sig := ed25519.Sign(priv, message)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded signature against message under the given
// hex-encoded public key. A malformed key or signature is treated as a
// failed verification, never a panic.
func Verify(pubKeyHex, signatureHex string, message []byte) bool {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	if !ValidPublicKey(pubBytes) {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), message, sigBytes)
}
