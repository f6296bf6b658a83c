// Package lease implements distributed leases over a key-value backend with
// conditional writes and native record expiry.
//
// A lease on a key is held by whoever managed to create its record. Every
// successful create or renew stores a fresh random fencing token, and
// renewals and deletes only apply while the stored token still matches the
// one the holder knows. A holder that stopped renewing, or whose token was
// replaced, can therefore never touch a record it no longer owns. The
// backend's native expiry reclaims records of crashed holders within the
// configured ttl.
//
// Callers of one Client first contend on a process-local lock table, so at
// most one goroutine per process races the backend for a given key.
//
// A held Lease renews itself in the background every renew period. The
// renewal goroutine only keeps a weak reference to the Lease, so the handle
// must stay reachable for as long as the work it protects runs:
//
//	l, err := c.Acquire(ctx, "nightly-import")
//	if err != nil {
//		return err
//	}
//	defer l.Release()
//
// Once the last reference is gone the garbage collector may release the
// lease at any time, even mid critical section. That release only exists to
// bound the damage of a leaked handle; do not rely on it. Release never
// blocks; the remote delete runs in the background and its failure is only
// logged, since expiry bounds how long a stale record can survive.
package lease
