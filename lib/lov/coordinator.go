package lov

import (
	"fmt"
	"io"
	"math"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/descr"
)

// Coordinator is the sub-lock layer: it keeps the top-locks of a sub-lock
// informed about what happens to the sub-lock. Every method expects the
// caller to hold the sub-lock mutex and a reference on the sub-lock.
type Coordinator struct {
	arena   *Arena
	mgr     *cllock.Manager
	metrics *Metrics
	weigh   WeighPolicy
}

// parentLock takes a traced reference on top and its mutex.
func (c *Coordinator) parentLock(env *cllock.Env, top *TopLock) {
	c.mgr.Hold(top.lock, scopeParent)
	c.mgr.MutexGet(env, top.lock)
}

func (c *Coordinator) parentUnlock(env *cllock.Env, top *TopLock) error {
	c.mgr.MutexPut(env, top.lock)
	return c.mgr.Release(env, top.lock, scopeParent)
}

// parent resolves the top-lock of a link. A linked top-lock is never
// finalized, its slot holds the link until the top-lock is deleted.
func (c *Coordinator) parent(sub *SubLock, link *ParentLink) (*TopLock, error) {
	top, ok := c.arena.tops.Load(link.Top)
	if !ok {
		c.metrics.fatal.Inc()
		return nil, invariantf(sub.lock.ID(), "parent set links unknown top-lock %d", link.Top)
	}
	return top, nil
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State forwards a state change of sub to its parents. A parent that has no
// error yet is failed with the error of sub, every other parent is signaled.
// The top-lock the sub-lock is currently driven by (SetActive) is skipped.
func (c *Coordinator) State(env *cllock.Env, sub *SubLock) {
	for {
		restart := false
		for _, link := range sub.snapshot() {
			if !sub.linked(link) {
				continue
			}
			top, err := c.parent(sub, link)
			if err != nil {
				return
			}
			if top == sub.active {
				continue
			}
			if restart = c.stateOne(env, sub, top); restart {
				break
			}
		}
		c.metrics.statePasses.Inc()
		if !restart {
			return
		}
		c.metrics.stateRestarts.Inc()
	}
}

func (c *Coordinator) stateOne(env *cllock.Env, sub *SubLock, top *TopLock) bool {
	c.parentLock(env, top)

	subErr := sub.lock.Err()
	if subErr == nil || top.lock.Err() != nil {
		c.mgr.Signal(env, top.lock)
		c.logPut(c.parentUnlock(env, top))
		return false
	}

	// failing the parent deletes it, which needs the mutex of sub
	depth := c.mgr.MutexDrop(env, sub.lock)
	if err := c.mgr.Error(env, top.lock, subErr); err != nil {
		Logger.Errorf("delivering error of sub-lock %d to top-lock %d: %v", sub.lock.ID(), top.lock.ID(), err)
		if IsInvariant(err) {
			c.metrics.fatal.Inc()
		}
	}
	c.metrics.errorsDelivered.Inc()
	c.logPut(c.parentUnlock(env, top))
	c.mgr.MutexRestore(env, sub.lock, depth)
	return true
}

func (c *Coordinator) logPut(err error) {
	if err != nil {
		Logger.Errorf("dropping parent reference: %v", err)
	}
}

// --------------------------------------------------------------------------
// Modify
// --------------------------------------------------------------------------

// Modify applies the new extent d of sub to every parent. The mode of d must
// still satisfy the mode sub was granted in. All parents are tried, the first
// failure is returned.
func (c *Coordinator) Modify(env *cllock.Env, sub *SubLock, d descr.Descr) (descr.Descr, error) {
	c.metrics.modifies.Inc()
	if cur := sub.lock.Descr(); !descr.ModeMatch(d.Mode, cur.Mode) {
		c.metrics.fatal.Inc()
		return d, invariantf(sub.lock.ID(), "modified to mode %s, granted in %s", d.Mode, cur.Mode)
	}
	var first error
	for _, link := range sub.snapshot() {
		if !sub.linked(link) {
			continue
		}
		top, err := c.parent(sub, link)
		if err != nil {
			return d, err
		}
		c.parentLock(env, top)
		err = c.SublockModify(env, top, sub, d, link.Idx)
		c.logPut(c.parentUnlock(env, top))
		if err != nil && first == nil {
			first = err
		}
	}
	return d, first
}

// SublockModify records that the sub-lock in slot idx of top now covers the
// stripe extent d and widens top if the file extent of d is not covered
// already. The mode of d must satisfy top, it is never copied into top. env
// must hold the mutexes of sub and top.
func (c *Coordinator) SublockModify(env *cllock.Env, top *TopLock, sub *SubLock, d descr.Descr, idx int) error {
	cur := top.lock.Descr()
	if !descr.ModeMatch(d.Mode, cur.Mode) {
		c.metrics.fatal.Inc()
		return invariantf(top.lock.ID(), "sub-lock %d modified to mode %s, top-lock needs %s", sub.lock.ID(), d.Mode, cur.Mode)
	}
	if idx < 0 || idx >= len(top.slots) {
		return NewError(RetCInvalid, fmt.Sprintf("slot %d out of range for top-lock %d", idx, top.lock.ID()))
	}

	pd := top.layout.MapExtent(d, sub.stripe)
	pd.Obj = cur.Obj
	pd.Mode = cur.Mode
	top.slots[idx].Got = d

	if descr.ExtMatch(cur, pd) {
		return nil
	}
	Logger.Debugf("top-lock %d: %s -> %s (sub-lock %d)", top.lock.ID(), cur, pd, sub.lock.ID())
	return c.mgr.Modify(env, top.lock, pd)
}

// --------------------------------------------------------------------------
// Weigh, Closure
// --------------------------------------------------------------------------

// Weigh estimates the cost of canceling sub from the usage of its parents.
func (c *Coordinator) Weigh(env *cllock.Env, sub *SubLock) uint64 {
	if len(sub.parents) == 0 {
		return 0
	}
	links := sub.snapshot()
	if c.weigh == WeighFirstParent {
		links = links[:1]
	}

	var total uint64
	for _, link := range links {
		top, err := c.parent(sub, link)
		if err != nil {
			return math.MaxUint64
		}
		c.parentLock(env, top)
		w := c.mgr.Weigh(env, top.lock)
		c.logPut(c.parentUnlock(env, top))

		if total += w; total < w {
			return math.MaxUint64
		}
	}
	return total
}

// Closure adds every parent of sub to cl.
func (c *Coordinator) Closure(env *cllock.Env, sub *SubLock, cl *cllock.Closure) error {
	for _, link := range sub.snapshot() {
		top, err := c.parent(sub, link)
		if err != nil {
			return err
		}
		if err := c.mgr.ClosureBuild(env, top.lock, cl); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Delete
// --------------------------------------------------------------------------

// Delete detaches sub from all parents before it is destroyed. Every parent
// reacts according to its state, see deleteOne. Destroying a parent that lost
// its last sub-lock requires the sub-lock mutex to be released, the parent set
// is scanned again from the start afterwards.
func (c *Coordinator) Delete(env *cllock.Env, sub *SubLock) error {
	for {
		restart := false
		for _, link := range sub.snapshot() {
			if !sub.linked(link) {
				continue
			}
			top, err := c.parent(sub, link)
			if err != nil {
				return err
			}

			c.parentLock(env, top)
			slot := &top.slots[link.Idx]
			slot.Got = slot.Descr
			err = c.arena.unlink(env, top, sub, link)

			depth := 0
			if err == nil {
				depth, restart, err = c.deleteOne(env, sub, top)
			}
			c.logPut(c.parentUnlock(env, top))
			if restart {
				c.mgr.MutexRestore(env, sub.lock, depth)
			}
			if err != nil {
				return err
			}
			if restart {
				break
			}
		}
		if !restart {
			return nil
		}
		c.metrics.deleteRestarts.Inc()
	}
}

// deleteOne handles a top-lock that just lost sub. If it returns restart, the
// sub-lock mutex was dropped at depth and must be restored by the caller.
func (c *Coordinator) deleteOne(env *cllock.Env, sub *SubLock, top *TopLock) (depth int, restart bool, err error) {
	switch st := top.lock.State(); st {
	case cllock.StateNew, cllock.StateQueuing, cllock.StateEnqueued, cllock.StateFreeing:
		c.mgr.Signal(env, top.lock)

	case cllock.StateUnlocking:
		// the releasing thread decides once it is done
		top.unuseRace = true

	case cllock.StateCached:
		c.mgr.StateSet(env, top.lock, cllock.StateNew)
		c.metrics.demotions.Inc()
		if top.nrFilled > 0 || env.NrMutexed() != 2 {
			return 0, false, nil
		}
		depth = c.mgr.MutexDrop(env, sub.lock)
		if err = c.mgr.Cancel(env, top.lock); err == nil {
			err = c.mgr.Delete(env, top.lock)
		}
		return depth, true, err

	case cllock.StateHeld:
		c.metrics.fatal.Inc()
		return 0, false, invariantf(top.lock.ID(), "held top-lock lost sub-lock %d", sub.lock.ID())

	default:
		c.metrics.fatal.Inc()
		return 0, false, invariantf(top.lock.ID(), "unexpected state %s", st)
	}
	return 0, false, nil
}

// --------------------------------------------------------------------------
// Cancel, Print, Fini
// --------------------------------------------------------------------------

// Cancel gives the grant of sub back to its target.
func (c *Coordinator) Cancel(env *cllock.Env, sub *SubLock) error {
	if c.arena.opts.Releaser == nil {
		return nil
	}
	return c.arena.opts.Releaser(env, sub)
}

// Print writes "[slot top-id descr] " for every parent of sub.
func (c *Coordinator) Print(env *cllock.Env, sub *SubLock, w io.Writer) {
	for _, link := range sub.snapshot() {
		top, ok := c.arena.tops.Load(link.Top)
		if !ok {
			_, _ = fmt.Fprintf(w, "[%d %d ?] ", link.Idx, link.Top)
			continue
		}
		c.parentLock(env, top)
		_, _ = fmt.Fprintf(w, "[%d %d %s] ", link.Idx, link.Top, top.lock.Descr())
		c.logPut(c.parentUnlock(env, top))
	}
}

// Fini removes a sub-lock that lost its last reference from the arena.
func (c *Coordinator) Fini(env *cllock.Env, sub *SubLock) error {
	if n := len(sub.parents); n > 0 {
		c.metrics.fatal.Inc()
		return invariantf(sub.lock.ID(), "finalized with %d parents", n)
	}
	c.arena.subs.Delete(sub.lock.ID())
	if c.arena.opts.OnSubFini != nil {
		c.arena.opts.OnSubFini(env, sub)
	}
	return nil
}
