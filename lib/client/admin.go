package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/lov"
	"github.com/ValentinKolb/dStripe/lib/stripe"
)

// --------------------------------------------------------------------------
// Shrink
// --------------------------------------------------------------------------

// Shrink cancels idle sub-locks whose weight is at most threshold and drops
// empty top-locks nobody uses. It returns the number of sub-locks canceled.
func (c *Client) Shrink(env *cllock.Env, threshold uint64) (int, error) {
	var (
		canceled int
		errs     []error
	)
	for _, sub := range c.arena.Subs() {
		if !c.mgr.TryGet(sub.Lock()) {
			continue
		}
		obj := stripe.FileObject(sub.Object())
		c.mgr.MutexGet(env, sub.Lock())
		var err error
		if sub.Users() == 0 && !sub.Lock().Deleted() && c.mgr.Weigh(env, sub.Lock()) <= threshold {
			err = c.cancelSub(env, sub)
			canceled++
		}
		c.mgr.MutexPut(env, sub.Lock())
		c.put(env, sub.Lock())
		if err = c.supervise(obj, err); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.dropEmptyTops(env)...)

	c.stats.shrunk.Inc(int64(canceled))
	if canceled > 0 {
		Logger.Debugf("shrink canceled %d sub-locks of weight <= %d", canceled, threshold)
	}
	return canceled, errors.Join(errs...)
}

// Trim cancels idle sub-locks, lightest first, and drops the top-locks they
// leave empty until the client holds at most keep locks. It returns the
// number of sub-locks canceled.
func (c *Client) Trim(env *cllock.Env, keep int) (int, error) {
	over := func() bool {
		t, s := c.arena.Len()
		return t+s > keep
	}
	if !over() {
		return 0, nil
	}

	h := newWeightHeap()
	for _, sub := range c.arena.Subs() {
		if !c.mgr.TryGet(sub.Lock()) {
			continue
		}
		c.mgr.MutexGet(env, sub.Lock())
		if sub.Users() == 0 && !sub.Lock().Deleted() {
			h.set(sub.ID(), c.mgr.Weigh(env, sub.Lock()))
		}
		c.mgr.MutexPut(env, sub.Lock())
		c.put(env, sub.Lock())
	}

	var (
		canceled int
		errs     []error
	)
	for over() {
		w, ok := h.next()
		if !ok {
			break
		}
		sub, ok := c.arena.Sub(w.id)
		if !ok || !c.mgr.TryGet(sub.Lock()) {
			continue
		}
		obj := stripe.FileObject(sub.Object())
		c.mgr.MutexGet(env, sub.Lock())
		var err error
		// it may have been pinned since it was weighed
		if sub.Users() == 0 && !sub.Lock().Deleted() {
			err = c.cancelSub(env, sub)
			canceled++
		}
		c.mgr.MutexPut(env, sub.Lock())
		c.put(env, sub.Lock())
		if err = c.supervise(obj, err); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, c.dropEmptyTops(env)...)
	}

	c.stats.shrunk.Inc(int64(canceled))
	if canceled > 0 {
		Logger.Debugf("trim canceled %d sub-locks, %d queued ones kept", canceled, h.Len())
	}
	return canceled, errors.Join(errs...)
}

// dropEmptyTops tears down NEW top-locks without users and filled slots.
func (c *Client) dropEmptyTops(env *cllock.Env) []error {
	var errs []error
	for _, top := range c.arena.Tops() {
		if !c.mgr.TryGet(top.Lock()) {
			continue
		}
		c.mgr.MutexGet(env, top.Lock())
		var err error
		l := top.Lock()
		if top.Users() == 0 && top.NrFilled() == 0 && !l.Deleted() && l.State() == cllock.StateNew {
			err = c.teardown(env, top)
		}
		c.mgr.MutexPut(env, top.Lock())
		c.put(env, top.Lock())
		if err = c.supervise(top.Requested().Obj, err); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// --------------------------------------------------------------------------
// Diagnostics
// --------------------------------------------------------------------------

// Snapshot prints the closure of top-lock id: the top-lock, its sub-lock and
// every other top-lock sharing one of them. Busy members make the closure
// retry until ctx is done. It returns the number of locks printed.
func (c *Client) Snapshot(ctx context.Context, env *cllock.Env, id uint64, w io.Writer) (int, error) {
	top, ok := c.arena.Top(id)
	if !ok || !c.mgr.TryGet(top.Lock()) {
		return 0, fmt.Errorf("top-lock %d: %w", id, lov.ErrInvalid)
	}
	defer c.put(env, top.Lock())

	backoff := time.Millisecond
	for {
		c.mgr.MutexGet(env, top.Lock())
		cl := c.mgr.ClosureInit(env, top.Lock())
		err := c.mgr.ClosureBuild(env, top.Lock(), cl)
		n := 0
		if err == nil {
			for _, l := range cl.Locks() {
				c.mgr.Print(env, l, w)
				_, _ = fmt.Fprintln(w)
				n++
			}
		}
		if ferr := c.mgr.ClosureFini(env, cl); ferr != nil {
			Logger.Errorf("releasing closure of top-lock %d: %v", id, ferr)
		}
		c.mgr.MutexPut(env, top.Lock())

		if !errors.Is(err, cllock.ErrRepeat) {
			return n, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Dump prints every top-lock and sub-lock, one per line.
func (c *Client) Dump(env *cllock.Env, w io.Writer) {
	tops, subs := c.arena.Len()
	_, _ = fmt.Fprintf(w, "client %s: %d top-locks, %d sub-locks\n", c.conf.Name, tops, subs)
	for _, top := range c.arena.Tops() {
		c.print(env, top.Lock(), w)
	}
	for _, sub := range c.arena.Subs() {
		c.print(env, sub.Lock(), w)
	}
}

func (c *Client) print(env *cllock.Env, l *cllock.Lock, w io.Writer) {
	if !c.mgr.TryGet(l) {
		return
	}
	c.mgr.MutexGet(env, l)
	c.mgr.Print(env, l, w)
	_, _ = fmt.Fprintln(w)
	c.mgr.MutexPut(env, l)
	c.put(env, l)
}

// Check audits the bookkeeping of every lock. Violations quarantine the
// affected object and are returned together.
func (c *Client) Check(env *cllock.Env) error {
	var errs []error
	for _, top := range c.arena.Tops() {
		if !c.mgr.TryGet(top.Lock()) {
			continue
		}
		c.mgr.MutexGet(env, top.Lock())
		err := top.CheckInvariants()
		c.mgr.MutexPut(env, top.Lock())
		c.put(env, top.Lock())
		if err = c.supervise(top.Requested().Obj, err); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sub := range c.arena.Subs() {
		if !c.mgr.TryGet(sub.Lock()) {
			continue
		}
		obj := stripe.FileObject(sub.Object())
		if c.mgr.MutexTry(env, sub.Lock()) {
			err := c.checkLinks(env, sub)
			c.mgr.MutexPut(env, sub.Lock())
			if err = c.supervise(obj, err); err != nil {
				errs = append(errs, err)
			}
		}
		c.put(env, sub.Lock())
	}
	return errors.Join(errs...)
}

// checkLinks verifies that every parent link of sub is the link stored in
// the slot it names. The caller holds the sub-lock mutex.
func (c *Client) checkLinks(env *cllock.Env, sub *lov.SubLock) error {
	for _, link := range sub.Parents() {
		if link.Sub != sub.ID() {
			return &lov.InvariantError{Lock: sub.ID(), Msg: fmt.Sprintf("parent link %+v names another sub-lock", link)}
		}
		top, ok := c.arena.Top(link.Top)
		if !ok {
			return &lov.InvariantError{Lock: sub.ID(), Msg: fmt.Sprintf("parent link %+v names unknown top-lock", link)}
		}
		c.mgr.MutexGet(env, top.Lock())
		slots := top.Slots()
		c.mgr.MutexPut(env, top.Lock())
		if link.Idx >= len(slots) || slots[link.Idx].Link == nil || *slots[link.Idx].Link != link {
			return &lov.InvariantError{Lock: sub.ID(), Msg: fmt.Sprintf("parent link %+v not stored in its slot", link)}
		}
	}
	return nil
}
