// Package helpers provides small byte-comparison utilities shared across
// the storage layer.
package helpers

// BytesEqual checks if two byte slices are equal.
func BytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
