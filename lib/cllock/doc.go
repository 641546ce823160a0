// Package cllock implements the generic lock layer that every tier of the
// striped lock hierarchy is built on.
//
// A Lock is a generic handle: it owns a mutex, a descriptor, a state, an
// error, a reference count and a wait queue. What a lock actually means is
// supplied by the layer that created it through the Operations interface, the
// top-lock layer and the sub-lock layer each provide one implementation.
//
// Environments:
//
//	Every worker goroutine carries its own *Env. Lock mutexes are recursive per
//	Env and the Env remembers which mutexes it holds, so a layer can ask how many
//	lock mutexes the current worker owns (NrMutexed) before it performs an
//	operation that is only safe with a minimal set of held mutexes. An Env must
//	never be shared between goroutines.
//
// State machine:
//
//	NEW -> QUEUING -> ENQUEUED -> HELD -> UNLOCKING -> CACHED -> (HELD | NEW)
//	any state -> FREEING (Delete)
//
//	StateSet and Signal call the State operation of the owning layer, which is
//	how a sub-lock forwards its changes to the top-locks above it.
//
// Errors:
//
//	SetError records an error (for example a canceled request) and wakes the
//	waiters. Error records an error once and then cancels and deletes the lock.
//	Layer operations return errors instead of aborting; a fatal invariant
//	break is reported by the layer with its own error type and propagated to the
//	caller untouched.
//
// Closures:
//
//	A Closure collects the connected set of locks reachable from an origin lock
//	by try-locking every member. If a member is busy ClosureBuild fails with
//	ErrRepeat and the caller releases the closure and starts over.
package cllock
