package aggregate

import "errors"

// Sentinel errors for the stripe-abort / traversal-restart policy. The
// original C implementation mixes int(-1) and defined codes for "peer
// failed" branches; this module treats every such branch uniformly as
// one of these sentinels rather than fabricating a numeric code.
var (
	// ErrNeedsRefresh signals a transient extent-store concurrency-control
	// error. When a traversal-level call (object list, cursor) returns it,
	// the whole traversal restarts from the first object after a backoff;
	// no earlier anchor is kept. A stripe action failing with it is recorded
	// as a stripe failure like any other.
	ErrNeedsRefresh = errors.New("aggregate: needs refresh")

	// ErrPeerFailed means a peer parity target is marked failed in the
	// current pool map, or the RPC to it failed. The current stripe is
	// aborted without partial commit; local state is left untouched.
	ErrPeerFailed = errors.New("aggregate: peer target failed")

	// ErrInvariant marks a programming-error-class invariant violation
	// (e.g. more than one carry-over extent observed at once). It is not
	// fatal: the stripe is recorded as failed, traversal continues, and the
	// error reaches the caller inside the multierror Aggregate returns.
	ErrInvariant = errors.New("aggregate: invariant violation")

	// ErrCodec wraps a Galois-field coding failure. The stripe is aborted.
	ErrCodec = errors.New("aggregate: codec failure")

	// ErrAllocation marks a buffer allocation failure. Aborts the whole
	// traversal.
	ErrAllocation = errors.New("aggregate: allocation failure")
)
