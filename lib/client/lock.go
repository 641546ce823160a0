package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/ValentinKolb/dStripe/lib/lov"
)

// errRetry makes Lock start over with a fresh top-lock lookup.
var errRetry = errors.New("client: retry")

// Handle is a held lock on a file range, returned by Lock.
type Handle struct {
	obj  uint64
	top  *lov.TopLock
	subs []*lov.SubLock // pinned and referenced
	done bool
}

// Top returns the top-lock behind the handle.
func (h *Handle) Top() *lov.TopLock { return h.top }

// Descr returns the range the handle locks.
func (h *Handle) Descr() descr.Descr { return h.top.Requested() }

// Touch records that n pages were accessed under the lock.
func (h *Handle) Touch(n uint64) { h.top.Touch(n) }

// --------------------------------------------------------------------------
// Lock
// --------------------------------------------------------------------------

// Lock locks the range d of object obj. A cached or shared top-lock covering
// d is reused, otherwise a new one is assembled from stripe locks of the
// targets. The object of d is ignored.
func (c *Client) Lock(ctx context.Context, env *cllock.Env, obj uint64, d descr.Descr) (*Handle, error) {
	start := time.Now()
	o, ok := c.objects.Load(obj)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObject, obj)
	}
	if err := c.Quarantined(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuarantined, err)
	}
	d.Obj = obj
	if timeout := c.conf.LockTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	trimmed := false
	for attempt := 0; attempt < c.conf.LockRetries; attempt++ {
		top, cached := c.lookup(env, d)
		if top == nil {
			var err error
			if top, err = c.arena.NewTop(d, o.Layout); err != nil {
				if c.reclaim(env, err, &trimmed) {
					continue
				}
				return nil, err
			}
			// user reference, the arena keeps the cache reference
			c.mgr.Get(top.Lock())
		}

		h, err := c.acquire(ctx, env, o, top, !cached)
		if err == nil {
			c.stats.locks.Inc(1)
			if cached {
				c.stats.cacheHits.Inc(1)
			}
			c.stats.lockLatency.Update(time.Since(start).Microseconds())
			return h, nil
		}
		c.put(env, top.Lock())
		if errors.Is(err, errRetry) || c.reclaim(env, err, &trimmed) {
			continue
		}
		c.stats.lockErrors.Inc(1)
		return nil, c.supervise(obj, err)
	}
	c.stats.lockErrors.Inc(1)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrBusy, d, c.conf.LockRetries)
}

// reclaim trims the client to half its lock limit when err reports a full
// arena. It trims at most once per request and reports whether it did.
func (c *Client) reclaim(env *cllock.Env, err error, trimmed *bool) bool {
	if *trimmed || c.conf.MaxLocks <= 0 || !errors.Is(err, lov.ErrNoSpace) {
		return false
	}
	*trimmed = true
	n, terr := c.Trim(env, c.conf.MaxLocks/2)
	if terr != nil {
		Logger.Warningf("trimming client %s: %v", c.conf.Name, terr)
	}
	return n > 0
}

// lookup returns a referenced top-lock that can serve d.
func (c *Client) lookup(env *cllock.Env, d descr.Descr) (*lov.TopLock, bool) {
	for _, top := range c.arena.Tops() {
		if !descr.ExtMatch(top.Requested(), d) || !c.mgr.TryGet(top.Lock()) {
			continue
		}
		c.mgr.MutexGet(env, top.Lock())
		l := top.Lock()
		usable := l.Err() == nil && !l.Deleted() && l.State() != cllock.StateFreeing
		c.mgr.MutexPut(env, top.Lock())
		if usable {
			return top, true
		}
		c.put(env, top.Lock())
	}
	return nil, false
}

// acquire fills, pins and uses top. On failure the user reference on top is
// still held by the caller. Only a fresh top-lock is failed when the request
// fails, cached ones are left to their other users.
func (c *Client) acquire(ctx context.Context, env *cllock.Env, o Object, top *lov.TopLock, fresh bool) (*Handle, error) {
	for round := 0; round < c.conf.LockRetries; round++ {
		if err := c.fill(ctx, env, o, top); err != nil {
			if fresh {
				c.fail(env, top, err)
			}
			return nil, err
		}
		subs := c.pin(env, top)

		c.mgr.MutexGet(env, top.Lock())
		l := top.Lock()
		for l.Err() == nil && l.State() == cllock.StateUnlocking {
			// the last user is about to cache it
			if werr := c.mgr.Wait(ctx, env, l); werr != nil {
				c.mgr.MutexPut(env, l)
				c.unpin(env, o.ID, subs)
				return nil, werr
			}
		}
		err := l.Err()
		ready := err == nil && !l.Deleted() && pinnedAll(top, subs)
		if ready {
			top.Complete(env)
			err = top.Use(env)
		}
		deleted := l.Deleted()
		c.mgr.MutexPut(env, top.Lock())

		if ready && err == nil {
			return &Handle{obj: o.ID, top: top, subs: subs}, nil
		}
		c.unpin(env, o.ID, subs)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if fresh {
				c.fail(env, top, err)
			}
			return nil, err
		case err != nil && !errors.Is(err, lov.ErrInvalid):
			return nil, err
		case deleted || err != nil:
			return nil, errRetry
		}
	}
	return nil, errRetry
}

// fill requests a stripe lock for every empty slot of top.
func (c *Client) fill(ctx context.Context, env *cllock.Env, o Object, top *lov.TopLock) error {
	c.mgr.MutexGet(env, top.Lock())
	if top.Lock().State() == cllock.StateNew {
		c.mgr.StateSet(env, top.Lock(), cllock.StateQueuing)
	}
	slots := top.Slots()
	c.mgr.MutexPut(env, top.Lock())

	for i, slot := range slots {
		if slot.Link != nil {
			continue
		}
		if err := c.fillSlot(ctx, env, o, top, i, slot); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) fillSlot(ctx context.Context, env *cllock.Env, o Object, top *lov.TopLock, idx int, slot lov.Slot) error {
	t := c.targetOf(o, slot.Stripe)
	g, err := t.Enqueue(ctx, c.conf.Name, slot.Descr)
	if err != nil {
		return err
	}
	sub, err := c.subFor(g, slot.Stripe, t.Index())
	if err != nil {
		if _, rerr := t.Release(c.conf.Name, g.ID); rerr != nil {
			Logger.Warningf("releasing unmapped grant %s: %v", g.ID, rerr)
		}
		return err
	}
	defer c.put(env, sub.Lock())

	c.mgr.MutexGet(env, sub.Lock())
	defer c.mgr.MutexPut(env, sub.Lock())
	if sub.Lock().Deleted() {
		// canceled meanwhile, the next round asks again
		return nil
	}

	sub.SetActive(top)
	c.mgr.MutexGet(env, top.Lock())
	if top.Lock().Err() == nil && !top.Lock().Deleted() {
		err = c.arena.Attach(env, top, sub, idx, sub.Lock().Descr())
		if errors.Is(err, lov.ErrSlotOccupied) {
			err = nil
		}
	}
	c.mgr.MutexPut(env, top.Lock())
	if sub.Lock().State() == cllock.StateNew {
		c.mgr.StateSet(env, sub.Lock(), cllock.StateEnqueued)
	}
	sub.SetActive(nil)
	return err
}

// pin takes a use on every sub-lock of top and returns the pinned ones,
// each with a reference.
func (c *Client) pin(env *cllock.Env, top *lov.TopLock) []*lov.SubLock {
	var subs []*lov.SubLock
	c.mgr.MutexGet(env, top.Lock())
	for i := range top.Slots() {
		if sub, ok := top.SubAt(i); ok && c.mgr.TryGet(sub.Lock()) {
			subs = append(subs, sub)
		}
	}
	c.mgr.MutexPut(env, top.Lock())

	pinned := subs[:0]
	for _, sub := range subs {
		c.mgr.MutexGet(env, sub.Lock())
		err := sub.Use(env)
		c.mgr.MutexPut(env, sub.Lock())
		if err != nil {
			c.put(env, sub.Lock())
			continue
		}
		pinned = append(pinned, sub)
	}
	return pinned
}

// unpin drops the uses taken by pin. Cancels that were deferred because the
// sub-lock was in use are carried out now.
func (c *Client) unpin(env *cllock.Env, obj uint64, subs []*lov.SubLock) {
	for _, sub := range subs {
		c.mgr.MutexGet(env, sub.Lock())
		var err error
		if sub.Unuse(env) && sub.TakeCancelPending() {
			err = c.cancelSub(env, sub)
		}
		c.mgr.MutexPut(env, sub.Lock())
		c.put(env, sub.Lock())
		if err = c.supervise(obj, err); err != nil {
			Logger.Errorf("deferred cancel of sub-lock %d: %v", sub.ID(), err)
		}
	}
}

// pinnedAll reports whether top is full and every slot holds a pinned
// sub-lock. The caller holds the top-lock mutex.
func pinnedAll(top *lov.TopLock, subs []*lov.SubLock) bool {
	if !top.Full() || len(subs) != len(top.Slots()) {
		return false
	}
	for i := range top.Slots() {
		sub, _ := top.SubAt(i)
		found := false
		for _, p := range subs {
			if p == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fail stores err on top and tears it down.
func (c *Client) fail(env *cllock.Env, top *lov.TopLock, err error) {
	c.mgr.MutexGet(env, top.Lock())
	c.mgr.SetError(env, top.Lock(), err)
	if top.Users() == 0 {
		err = c.teardown(env, top)
	}
	c.mgr.MutexPut(env, top.Lock())
	if err = c.supervise(top.Requested().Obj, err); err != nil && !lov.IsInvariant(err) {
		Logger.Debugf("top-lock %d failed: %v", top.ID(), err)
	}
}

// teardown cancels and deletes top. The caller holds the top-lock mutex.
func (c *Client) teardown(env *cllock.Env, top *lov.TopLock) error {
	if err := c.mgr.Cancel(env, top.Lock()); err != nil {
		return err
	}
	return c.mgr.Delete(env, top.Lock())
}

// cancelSub cancels and deletes sub. The caller holds the sub-lock mutex.
func (c *Client) cancelSub(env *cllock.Env, sub *lov.SubLock) error {
	if err := c.mgr.Cancel(env, sub.Lock()); err != nil {
		return err
	}
	return c.mgr.Delete(env, sub.Lock())
}

func (c *Client) put(env *cllock.Env, l *cllock.Lock) {
	if err := c.mgr.Put(env, l); err != nil {
		Logger.Errorf("dropping reference of lock %d: %v", l.ID(), err)
	}
}

// --------------------------------------------------------------------------
// Unlock, Cancel
// --------------------------------------------------------------------------

// Unlock releases a lock returned by Lock. The top-lock stays cached for
// later requests. If the lock was lost while it was held, its error is
// returned.
func (c *Client) Unlock(env *cllock.Env, h *Handle) error {
	if h.done {
		return fmt.Errorf("lock %s already unlocked", h.Descr())
	}
	h.done = true
	top := h.top

	var (
		last bool
		err  error
		lost error
	)
	c.mgr.MutexGet(env, top.Lock())
	if top.Lock().State() == cllock.StateHeld {
		last, err = top.BeginUnuse(env)
	} else {
		lost = top.Lock().Err()
	}
	c.mgr.MutexPut(env, top.Lock())

	c.unpin(env, h.obj, h.subs)
	h.subs = nil

	if last {
		c.mgr.MutexGet(env, top.Lock())
		top.FinishUnuse(env)
		c.mgr.MutexPut(env, top.Lock())
	}
	c.put(env, top.Lock())
	c.stats.unlocks.Inc(1)

	if err != nil {
		return c.supervise(h.obj, err)
	}
	if lost != nil {
		return fmt.Errorf("lock %s lost: %w", h.Descr(), lost)
	}
	return nil
}

// Cancel drops every idle top-lock of obj together with the stripe locks
// that no other top-lock uses. It returns the number of top-locks dropped.
func (c *Client) Cancel(env *cllock.Env, obj uint64) (int, error) {
	var (
		subs    []*lov.SubLock
		dropped int
		errs    []error
	)
	for _, top := range c.arena.Tops() {
		if top.Requested().Obj != obj || !c.mgr.TryGet(top.Lock()) {
			continue
		}
		c.mgr.MutexGet(env, top.Lock())
		if top.Users() == 0 && !top.Lock().Deleted() && top.Lock().State() != cllock.StateUnlocking {
			for i := range top.Slots() {
				if sub, ok := top.SubAt(i); ok && c.mgr.TryGet(sub.Lock()) {
					subs = append(subs, sub)
				}
			}
			if err := c.teardown(env, top); err != nil {
				errs = append(errs, err)
			}
			dropped++
		}
		c.mgr.MutexPut(env, top.Lock())
		c.put(env, top.Lock())
	}

	for _, sub := range subs {
		c.mgr.MutexGet(env, sub.Lock())
		if sub.Users() == 0 && len(sub.Parents()) == 0 && !sub.Lock().Deleted() {
			if err := c.cancelSub(env, sub); err != nil {
				errs = append(errs, err)
			}
		}
		c.mgr.MutexPut(env, sub.Lock())
		c.put(env, sub.Lock())
	}
	return dropped, c.supervise(obj, errors.Join(errs...))
}
