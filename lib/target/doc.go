// Package target implements the lock service of a storage target. A striped
// file spreads its data over several targets, each of which grants locks on
// the stripe objects it stores.
//
// Core Functionality:
//   - Grant acquisition with ownership verification
//   - Conflict resolution by revoking the grants of other owners
//   - Bounded grant cache with least recently used eviction
//   - Optional extent growing towards the end of the object
//   - Fault injection (revoke, modify, fail) for testing and simulation
//
// Implementation Approach:
//
//	Grants live in a hashicorp/golang-lru cache keyed by their uuid, with a
//	per-object index for conflict and match lookups. Every request touches the
//	grants it returns, so idle grants are evicted first once the cache is
//	full.
//
//	- Acquisition: Enqueue first looks for a grant of the same owner that
//	  covers the request. Otherwise all conflicting grants of other owners are
//	  revoked and a new grant is created. With GrowToEOF the new extent is
//	  grown up to the next conflicting grant or the end of the object.
//
//	- Release: a release only succeeds for the
//	  owner of the grant. Releasing an unknown grant is not an error.
//
//	- Events: every change that the owner did not ask for (revocation,
//	  eviction, modification, failure) is delivered to the EventSink of the
//	  owner. Events are collected while the service mutex is held and
//	  delivered after it was released, so a sink may call back into the
//	  service.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
//
// Usage Example:
//
//	t := target.NewMemTarget(0, target.Options{Capacity: 1024})
//	t.Subscribe("client-1", func(ev target.Event) { queue.Push(ev) })
//	g, err := t.Enqueue(ctx, "client-1", d)
//	...
//	ok, err := t.Release("client-1", g.ID)
package target
