package lov

import (
	"fmt"
	"io"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/descr"
)

// ParentLink associates a sub-lock with the slot of one of its top-locks.
type ParentLink struct {
	Top uint64 // id of the top-lock
	Sub uint64 // id of the sub-lock
	Idx int    // slot index within the top-lock
}

// SubLock is the lock on one stripe object, granted by the target storing it.
// The parent set and the active top-lock are guarded by the sub-lock mutex.
type SubLock struct {
	lock   *cllock.Lock
	arena  *Arena
	obj    uint64 // stripe object, fixed at creation
	stripe int
	target int
	grant  string

	parents       []*ParentLink
	active        *TopLock
	users         int
	cancelPending bool
}

// Lock returns the generic lock of the sub-lock.
func (s *SubLock) Lock() *cllock.Lock { return s.lock }

// ID returns the id of the generic lock.
func (s *SubLock) ID() uint64 { return s.lock.ID() }

// Object returns the stripe object the sub-lock was granted on. Unlike the
// descriptor it never changes, so no mutex is needed.
func (s *SubLock) Object() uint64 { return s.obj }

// Stripe returns the stripe index the sub-lock covers.
func (s *SubLock) Stripe() int { return s.stripe }

// Target returns the index of the target that granted the sub-lock.
func (s *SubLock) Target() int { return s.target }

// Grant returns the id of the grant at the target.
func (s *SubLock) Grant() string { return s.grant }

// Parents returns a copy of the parent set. The caller must hold the sub-lock mutex.
func (s *SubLock) Parents() []ParentLink {
	res := make([]ParentLink, len(s.parents))
	for i, p := range s.parents {
		res[i] = *p
	}
	return res
}

// SetActive marks top as the top-lock currently driving the sub-lock, state
// changes are then not echoed back to it. nil clears the mark. The caller
// must hold the sub-lock mutex.
func (s *SubLock) SetActive(top *TopLock) { s.active = top }

// Active returns the top-lock set by SetActive.
func (s *SubLock) Active() *TopLock { return s.active }

// Users returns the number of held top-locks using the sub-lock.
func (s *SubLock) Users() int { return s.users }

// Use pins the sub-lock for a top-lock that is about to be held. A pinned
// sub-lock is HELD and must not be canceled. The caller must hold the
// sub-lock mutex.
func (s *SubLock) Use(env *cllock.Env) error {
	if s.lock.Deleted() || s.lock.Err() != nil {
		return NewError(RetCInvalid, fmt.Sprintf("sub-lock %d is going away", s.lock.ID()))
	}
	s.users++
	s.arena.mgr.StateSet(env, s.lock, cllock.StateHeld)
	return nil
}

// Unuse drops a pin taken by Use. The last one caches the sub-lock; it
// returns true if the sub-lock is idle afterwards.
func (s *SubLock) Unuse(env *cllock.Env) bool {
	if s.users > 0 {
		s.users--
	}
	if s.users > 0 {
		return false
	}
	if !s.lock.Deleted() {
		s.arena.mgr.StateSet(env, s.lock, cllock.StateCached)
	}
	return true
}

// MarkCancelPending records that the grant was revoked while the sub-lock was
// in use. The caller must hold the sub-lock mutex.
func (s *SubLock) MarkCancelPending() { s.cancelPending = true }

// TakeCancelPending returns and clears the pending cancel mark.
func (s *SubLock) TakeCancelPending() bool {
	p := s.cancelPending
	s.cancelPending = false
	return p
}

// snapshot returns the parent set as it is now; entries may be unlinked while
// the caller iterates, see linked.
func (s *SubLock) snapshot() []*ParentLink {
	res := make([]*ParentLink, len(s.parents))
	copy(res, s.parents)
	return res
}

func (s *SubLock) linked(link *ParentLink) bool {
	for _, p := range s.parents {
		if p == link {
			return true
		}
	}
	return false
}

func (s *SubLock) removeParent(link *ParentLink) bool {
	for i, p := range s.parents {
		if p == link {
			s.parents = append(s.parents[:i], s.parents[i+1:]...)
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Layer
// --------------------------------------------------------------------------

// subLayer plugs the coordinator into the generic lock of a sub-lock.
type subLayer struct {
	c   *Coordinator
	sub *SubLock
}

func (o *subLayer) State(env *cllock.Env, _ *cllock.Lock, _ cllock.State) {
	o.c.State(env, o.sub)
}

func (o *subLayer) Modify(env *cllock.Env, _ *cllock.Lock, d descr.Descr) (descr.Descr, error) {
	return o.c.Modify(env, o.sub, d)
}

func (o *subLayer) Cancel(env *cllock.Env, _ *cllock.Lock) error {
	return o.c.Cancel(env, o.sub)
}

func (o *subLayer) Delete(env *cllock.Env, _ *cllock.Lock) error {
	return o.c.Delete(env, o.sub)
}

func (o *subLayer) Weigh(env *cllock.Env, _ *cllock.Lock) uint64 {
	return o.c.Weigh(env, o.sub)
}

func (o *subLayer) Closure(env *cllock.Env, _ *cllock.Lock, c *cllock.Closure) error {
	return o.c.Closure(env, o.sub, c)
}

func (o *subLayer) Print(env *cllock.Env, _ *cllock.Lock, w io.Writer) {
	o.c.Print(env, o.sub, w)
}

func (o *subLayer) Fini(env *cllock.Env, _ *cllock.Lock) error {
	return o.c.Fini(env, o.sub)
}
