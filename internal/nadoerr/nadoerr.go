// Package nadoerr defines the sentinel error kinds shared across node
// components, matching the abstract error taxonomy the rest of the node
// reacts to (retry, reject, penalize, rollback, or exit).
package nadoerr

import "errors"

// Sentinel errors identifying the abstract error kind of a returned error.
// Callers should compare with errors.Is, since concrete errors are usually
// wrapped with additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrTransientStorage marks a storage failure that is expected to
	// clear on its own (disk contention, a locked sqlite file). Callers
	// retry with backoff instead of giving up.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrInvariantViolation marks a local state mutation that would
	// break an invariant the rest of the node depends on. The mutation
	// is refused outright.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrValidation marks a rejected piece of remote or local input
	// (bad signature, malformed address, stale nonce). Remote input that
	// fails validation costs the sender trust.
	ErrValidation = errors.New("validation failure")

	// ErrNetworkTimeout marks a gossip call that failed to complete in
	// time. The peer is recorded to the fail_storage buffer and the
	// loop continues.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrProtocolMismatch marks a peer whose reported protocol version
	// is incompatible. The peer is purged and loses trust.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrConsensusDivergence marks local state disagreeing with the
	// majority of the network. It triggers emergency mode.
	ErrConsensusDivergence = errors.New("consensus divergence")

	// ErrFatal marks an error the node cannot recover from at all; it
	// is logged and the process exits.
	ErrFatal = errors.New("fatal error")
)
