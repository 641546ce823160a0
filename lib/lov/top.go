package lov

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/ValentinKolb/dStripe/lib/stripe"
)

// Slot is the place of one stripe in a top-lock.
type Slot struct {
	Stripe int         // stripe index
	Descr  descr.Descr // requested stripe-relative extent
	Got    descr.Descr // extent the sub-lock was last applied with
	Link   *ParentLink // nil while the slot is empty
}

// TopLock is a file range lock backed by one sub-lock per intersected stripe.
// All fields except usage are guarded by the top-lock mutex.
type TopLock struct {
	lock      *cllock.Lock
	arena     *Arena
	requested descr.Descr
	layout    stripe.Layout

	slots     []Slot
	nrFilled  int
	unuseRace bool
	users     int
	cacheRef  bool

	usage atomic.Uint64
}

// Lock returns the generic lock of the top-lock.
func (t *TopLock) Lock() *cllock.Lock { return t.lock }

// ID returns the id of the generic lock.
func (t *TopLock) ID() uint64 { return t.lock.ID() }

// Requested returns the descriptor the top-lock was created for.
func (t *TopLock) Requested() descr.Descr { return t.requested }

// Layout returns the striping layout of the file.
func (t *TopLock) Layout() stripe.Layout { return t.layout }

// Slots returns a copy of the slot array. The caller must hold the top-lock mutex.
func (t *TopLock) Slots() []Slot {
	res := make([]Slot, len(t.slots))
	copy(res, t.slots)
	return res
}

// NrFilled returns the number of slots with a sub-lock.
func (t *TopLock) NrFilled() int { return t.nrFilled }

// Full reports whether every slot has a sub-lock.
func (t *TopLock) Full() bool { return t.nrFilled == len(t.slots) }

// UnuseRace reports whether a sub-lock went away while the top-lock was
// being released.
func (t *TopLock) UnuseRace() bool { return t.unuseRace }

// Users returns the number of current users.
func (t *TopLock) Users() int { return t.users }

// Touch records that n pages were accessed under the top-lock.
func (t *TopLock) Touch(n uint64) {
	t.usage.Add(n)
}

// Usage returns the number of pages accessed under the top-lock.
func (t *TopLock) Usage() uint64 { return t.usage.Load() }

// SubAt returns the sub-lock linked into slot idx, if any.
func (t *TopLock) SubAt(idx int) (*SubLock, bool) {
	if idx < 0 || idx >= len(t.slots) || t.slots[idx].Link == nil {
		return nil, false
	}
	return t.arena.subs.Load(t.slots[idx].Link.Sub)
}

// --------------------------------------------------------------------------
// Transitions
// --------------------------------------------------------------------------

// Complete moves a fully covered NEW or QUEUING top-lock to ENQUEUED.
func (t *TopLock) Complete(env *cllock.Env) bool {
	st := t.lock.State()
	if !t.Full() || (st != cllock.StateNew && st != cllock.StateQueuing) {
		return false
	}
	t.arena.mgr.StateSet(env, t.lock, cllock.StateEnqueued)
	return true
}

// Use adds a user. ENQUEUED and CACHED top-locks become HELD, a HELD top-lock
// is shared.
func (t *TopLock) Use(env *cllock.Env) error {
	switch st := t.lock.State(); st {
	case cllock.StateEnqueued, cllock.StateCached:
		if !t.Full() {
			return NewError(RetCInvalid, fmt.Sprintf("top-lock %d has %d of %d slots filled", t.lock.ID(), t.nrFilled, len(t.slots)))
		}
		t.arena.mgr.StateSet(env, t.lock, cllock.StateHeld)
	case cllock.StateHeld:
	default:
		return NewError(RetCInvalid, fmt.Sprintf("top-lock %d cannot be used in state %s", t.lock.ID(), st))
	}
	t.users++
	return nil
}

// BeginUnuse drops a user. The last user moves the top-lock to UNLOCKING and
// must finish the release with FinishUnuse; BeginUnuse returns true for it.
func (t *TopLock) BeginUnuse(env *cllock.Env) (bool, error) {
	if t.lock.State() != cllock.StateHeld || t.users == 0 {
		return false, invariantf(t.lock.ID(), "unuse in state %s with %d users", t.lock.State(), t.users)
	}
	t.users--
	if t.users > 0 {
		return false, nil
	}
	t.arena.mgr.StateSet(env, t.lock, cllock.StateUnlocking)
	return true, nil
}

// FinishUnuse ends a release started by BeginUnuse. The top-lock is cached if
// it is still fully covered, otherwise (or when a sub-lock was lost in the
// meantime) it goes back to NEW.
func (t *TopLock) FinishUnuse(env *cllock.Env) {
	if t.lock.State() != cllock.StateUnlocking {
		return
	}
	if t.unuseRace || !t.Full() {
		if t.unuseRace {
			t.arena.opts.Metrics.unuseRaces.Inc()
		}
		t.unuseRace = false
		t.arena.mgr.StateSet(env, t.lock, cllock.StateNew)
		return
	}
	t.arena.mgr.StateSet(env, t.lock, cllock.StateCached)
}

// CheckInvariants verifies the slot bookkeeping. The caller must hold the
// top-lock mutex.
func (t *TopLock) CheckInvariants() error {
	filled := 0
	for i, s := range t.slots {
		if s.Link == nil {
			continue
		}
		filled++
		if s.Link.Top != t.lock.ID() || s.Link.Idx != i {
			return invariantf(t.lock.ID(), "slot %d holds link %+v", i, *s.Link)
		}
		if _, ok := t.arena.subs.Load(s.Link.Sub); !ok {
			return invariantf(t.lock.ID(), "slot %d links unknown sub-lock %d", i, s.Link.Sub)
		}
	}
	if filled != t.nrFilled {
		return invariantf(t.lock.ID(), "%d slots filled but fill count is %d", filled, t.nrFilled)
	}
	if t.lock.State() == cllock.StateCached && !t.Full() {
		return invariantf(t.lock.ID(), "cached with %d of %d slots filled", t.nrFilled, len(t.slots))
	}
	return nil
}

// --------------------------------------------------------------------------
// Layer
// --------------------------------------------------------------------------

// topLayer implements the generic lock operations of a top-lock.
type topLayer struct {
	top *TopLock
}

func (o *topLayer) State(*cllock.Env, *cllock.Lock, cllock.State) {}

// Modify widens the top-lock so it covers d. Object and mode never change.
func (o *topLayer) Modify(_ *cllock.Env, l *cllock.Lock, d descr.Descr) (descr.Descr, error) {
	cur := l.Descr()
	if d.Obj != cur.Obj {
		return cur, invariantf(l.ID(), "modify to object %d, lock covers object %d", d.Obj, cur.Obj)
	}
	return cur.Hull(d), nil
}

func (o *topLayer) Cancel(*cllock.Env, *cllock.Lock) error { return nil }

// Delete detaches every sub-lock and drops the cache reference. Sub-lock
// mutexes are taken without blocking while the top-lock mutex is held,
// otherwise the top-lock mutex is released first.
func (o *topLayer) Delete(env *cllock.Env, l *cllock.Lock) error {
	t := o.top
	a := t.arena
	var first error
	for i := range t.slots {
		link := t.slots[i].Link
		if link == nil {
			continue
		}
		sub, ok := a.subs.Load(link.Sub)
		if !ok {
			return invariantf(l.ID(), "slot %d links unknown sub-lock %d", i, link.Sub)
		}
		a.mgr.Hold(sub.lock, scopeTeardown)
		if !a.mgr.MutexTry(env, sub.lock) {
			depth := a.mgr.MutexDrop(env, l)
			a.mgr.MutexGet(env, sub.lock)
			a.mgr.MutexRestore(env, l, depth)
		}
		if t.slots[i].Link == link {
			if err := a.unlink(env, t, sub, link); err != nil && first == nil {
				first = err
			}
		}
		a.mgr.MutexPut(env, sub.lock)
		if err := a.mgr.Release(env, sub.lock, scopeTeardown); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return first
	}
	a.opts.Metrics.topTeardowns.Inc()
	Logger.Debugf("top-lock %d deleted", l.ID())
	if t.cacheRef {
		t.cacheRef = false
		return a.mgr.Put(env, l)
	}
	return nil
}

// Weigh returns the number of pages accessed under the top-lock.
func (o *topLayer) Weigh(*cllock.Env, *cllock.Lock) uint64 {
	return o.top.usage.Load()
}

func (o *topLayer) Closure(env *cllock.Env, _ *cllock.Lock, c *cllock.Closure) error {
	t := o.top
	for i := range t.slots {
		sub, ok := t.SubAt(i)
		if !ok {
			continue
		}
		if err := t.arena.mgr.ClosureBuild(env, sub.lock, c); err != nil {
			return err
		}
	}
	return nil
}

func (o *topLayer) Print(_ *cllock.Env, _ *cllock.Lock, w io.Writer) {
	t := o.top
	_, _ = fmt.Fprintf(w, "top{%s %s filled:%d/%d users:%d race:%t}", t.requested, t.layout, t.nrFilled, len(t.slots), t.users, t.unuseRace)
}

func (o *topLayer) Fini(*cllock.Env, *cllock.Lock) error {
	t := o.top
	t.arena.tops.Delete(t.lock.ID())
	Logger.Debugf("top-lock %d finalized", t.lock.ID())
	return nil
}
