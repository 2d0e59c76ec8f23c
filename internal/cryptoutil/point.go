package cryptoutil

import "filippo.io/edwards25519"

// ValidPublicKey rejects Ed25519 public keys that are not 32 bytes long or
// that do not decode to a curve point (e.g. truncated or corrupted bytes
// received over gossip), checking the decoding explicitly through
// edwards25519.Point.SetBytes before a key reaches ed25519.Verify.
func ValidPublicKey(pubBytes []byte) bool {
	if len(pubBytes) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(pubBytes)
	return err == nil
}
