// Package warden turns a shared object store into a single-active-instance
// coordinator. One lock record per key carries an owner, a lease expiry, and a
// monotonically increasing fencing generation; conditional writes (ETag CAS)
// make acquisition, renewal, takeover, and release race-free on any backend
// that offers compare-and-swap semantics (S3, AWS, Azure Blob, local disk, or
// memory for tests).
//
// A Guard composes the pieces: it acquires the lock, pulls the authoritative
// state snapshot into a local directory, signals readiness, renews the lease
// and pushes state periodically, and on termination drains in-flight work,
// pushes a final snapshot, and releases the lock, all inside the platform's
// shutdown grace period. If renewal is rejected the lease was taken over;
// mutating work is fenced off immediately and the shutdown path skips the
// final push, because the state now belongs to the new holder.
//
// Correctness depends on bounded clock skew between instances: a takeover
// happens only after the observed expiry plus the configured skew margin, so
// the margin must exceed the worst-case wall-clock disagreement in the fleet.
package warden
