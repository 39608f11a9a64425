package hierall

import "github.com/pkg/errors"

// Error categories, tested with errors.Is. Specific failures wrap these with
// context.
var (
	// ErrConfiguration marks inconsistent collective setup: topologies that
	// differ across ranks, mismatched buffer layouts, registration after the
	// engine went ready.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrecondition marks a programmer error: posting on a handle that is
	// not ready, unbound buffers or streams, slot sizes exceeding capacity.
	// It is never transient; retrying cannot succeed.
	ErrPrecondition = errors.New("precondition violation")

	// ErrReadinessTimeout marks a collective rendezvous (commit, ready
	// barrier) that did not complete within the bounded wait, typically
	// because a peer never arrived.
	ErrReadinessTimeout = errors.New("readiness rendezvous timed out")

	// ErrDataIntegrity marks receive contents that do not match what the
	// negotiated sizes imply. The transfer path itself cannot detect this;
	// it is reported by explicit checks such as VerifySizes.
	ErrDataIntegrity = errors.New("data integrity fault")
)
