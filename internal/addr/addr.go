// Package addr implements the node's address format: an "ndo" prefix, the
// first 42 hex characters of an Ed25519 public key, and a 4-hex-character
// blake2b checksum over the prefix and those 42 characters. Grounded on
// address.py's make_address/make_checksum/validate_address.
package addr

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hclivess/nado/internal/cryptoutil"
)

const (
	// Prefix is prepended to every address.
	Prefix = "ndo"
	// pubKeyHexChars is how many hex characters of the public key are
	// kept in the address body.
	pubKeyHexChars = 42
	// checksumHexChars is the length, in hex characters, of the
	// address checksum (2 raw bytes).
	checksumHexChars = 4
	// Length is the total length of a well-formed address.
	Length = len(Prefix) + pubKeyHexChars + checksumHexChars

	// BurnAddress is the sentinel recipient that marks burned funds.
	// It is not a real address and never resolves to a key pair.
	BurnAddress = "burn"
)

// checksum computes the checksum for a prefix+body string.
func checksum(prefixAndBody string) (string, error) {
	return cryptoutil.HashSized([]byte(prefixAndBody), 2)
}

// Make derives the address for an Ed25519 public key.
func Make(pub ed25519.PublicKey) (string, error) {
	pubHex := hex.EncodeToString(pub)
	if len(pubHex) < pubKeyHexChars {
		return "", fmt.Errorf("addr: public key too short")
	}
	body := Prefix + pubHex[:pubKeyHexChars]
	sum, err := checksum(body)
	if err != nil {
		return "", fmt.Errorf("addr: checksum: %w", err)
	}
	return body + sum, nil
}

// Valid reports whether address is a syntactically and checksum-correct
// address. It does not check the burn sentinel as valid; callers that
// accept the burn address as a recipient must check for it separately.
func Valid(address string) bool {
	if len(address) != Length {
		return false
	}
	if !strings.HasPrefix(address, Prefix) {
		return false
	}
	body := address[:len(Prefix)+pubKeyHexChars]
	want := address[len(Prefix)+pubKeyHexChars:]
	got, err := checksum(body)
	if err != nil {
		return false
	}
	return got == want
}

// IsBurn reports whether address is the burn sentinel recipient.
func IsBurn(address string) bool {
	return address == BurnAddress
}

// ValidRecipient reports whether address may be used as a transaction
// recipient: either a well-formed address or the burn sentinel.
func ValidRecipient(address string) bool {
	return IsBurn(address) || Valid(address)
}
