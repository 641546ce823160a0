// Package lov keeps the two tiers of a striped file lock consistent.
//
// A top-lock (TopLock) is the file range lock requested by the upper layer. Its
// data is striped over several objects, so it is backed by one sub-lock
// (SubLock) per stripe it intersects, each obtained from the lock service of
// the target storing that stripe. A sub-lock can back many top-locks (every
// top-lock that matched it in the cache) and a top-lock is backed by many
// sub-locks, the association is a ParentLink stored in the slot of the
// top-lock and in the parent set of the sub-lock.
//
// Ownership:
//
//	Top-locks and sub-locks live in the tables of an Arena keyed by their lock
//	id. A ParentLink stores the two ids and the slot index, never pointers to
//	the other side, so there is no ownership cycle. Every link holds one
//	reference on its sub-lock: a sub-lock is finalized when its last link goes
//	away. A top-lock is owned by the arena (cache reference) until it is
//	deleted and by every user that holds it.
//
// Coordinator:
//
//	The Coordinator implements the sub-lock layer of the generic lock
//	(cllock.Operations). Its operations run with the sub-lock mutex held by the
//	caller and walk the parent set:
//
//	- State: forward a state change (and an error) to every parent.
//	- Modify: map a changed sub-lock extent into the file and widen parents.
//	- Delete: detach a dying sub-lock from all parents.
//	- Weigh, Closure, Print, Fini: queries and diagnostics.
//
// Lock ordering:
//
//	A sub-lock mutex may be followed by a top-lock mutex, never the other way
//	round (except through a non-blocking try). Operations that must destroy a
//	top-lock, or deliver an error that does so, release the sub-lock mutex first,
//	re-acquire it afterwards and restart the scan of the parent set from the
//	beginning, because the set may have changed in between. A top-lock is only
//	destroyed from the sub-lock side if the worker holds exactly the sub-lock
//	and top-lock mutexes.
//
// Fatal states:
//
//	States that the design rules out (a HELD top-lock losing a sub-lock, a
//	sub-lock granted in a weaker mode than its parent requires) are reported
//	as *InvariantError. Callers must not continue to operate on the affected
//	hierarchy.
package lov
