package cllock

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("cllock")

// Manager creates generic locks and implements all operations on them.
type Manager struct {
	locks  *xsync.MapOf[uint64, *Lock]
	nextID atomic.Uint64
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: xsync.NewMapOf[uint64, *Lock](),
	}
}

// NewLock creates a lock in state NEW holding one reference for the caller.
func (m *Manager) NewLock(d descr.Descr, ops Operations) *Lock {
	l := &Lock{
		id:     m.nextID.Add(1),
		ops:    ops,
		descr:  d,
		state:  StateNew,
		waitq:  make(chan struct{}),
		traces: make(map[string]int),
	}
	l.refs.Store(1)
	m.locks.Store(l.id, l)
	return l
}

// Lookup returns a live (not yet finalized) lock by id.
func (m *Manager) Lookup(id uint64) (*Lock, bool) {
	return m.locks.Load(id)
}

// Len returns the number of live locks.
func (m *Manager) Len() int {
	return m.locks.Size()
}

// Range calls f for every live lock until f returns false.
func (m *Manager) Range(f func(l *Lock) bool) {
	m.locks.Range(func(_ uint64, l *Lock) bool {
		return f(l)
	})
}

// --------------------------------------------------------------------------
// Mutex
// --------------------------------------------------------------------------

// MutexGet acquires the mutex of l. The mutex is recursive per Env.
func (m *Manager) MutexGet(env *Env, l *Lock) {
	if l.owner.Load() == env {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(env)
	l.depth = 1
	env.add(l)
}

// MutexTry acquires the mutex of l if that is possible without blocking.
func (m *Manager) MutexTry(env *Env, l *Lock) bool {
	if l.owner.Load() == env {
		l.depth++
		return true
	}
	if !l.mu.TryLock() {
		return false
	}
	l.owner.Store(env)
	l.depth = 1
	env.add(l)
	return true
}

// MutexPut releases one level of the mutex of l.
func (m *Manager) MutexPut(env *Env, l *Lock) {
	if l.owner.Load() != env {
		panic(fmt.Sprintf("cllock: mutex of lock %d released by env %d which does not own it", l.id, env.id))
	}
	l.depth--
	if l.depth > 0 {
		return
	}
	l.owner.Store(nil)
	env.remove(l)
	l.mu.Unlock()
}

// MutexDrop releases the mutex of l completely and returns the recursion
// depth it was held at, to be passed to MutexRestore.
func (m *Manager) MutexDrop(env *Env, l *Lock) int {
	m.assertMutexed(env, l)
	depth := l.depth
	l.depth = 1
	m.MutexPut(env, l)
	return depth
}

// MutexRestore re-acquires a mutex released by MutexDrop.
func (m *Manager) MutexRestore(env *Env, l *Lock, depth int) {
	m.MutexGet(env, l)
	l.depth = depth
}

func (m *Manager) assertMutexed(env *Env, l *Lock) {
	if l.owner.Load() != env {
		panic(fmt.Sprintf("cllock: lock %d used by env %d without holding its mutex", l.id, env.id))
	}
}

// --------------------------------------------------------------------------
// References
// --------------------------------------------------------------------------

// Get takes a reference on a lock the caller already holds a reference on.
func (m *Manager) Get(l *Lock) {
	l.refs.Add(1)
}

// TryGet takes a reference unless the lock already lost its last one.
func (m *Manager) TryGet(l *Lock) bool {
	for {
		r := l.refs.Load()
		if r <= 0 || l.freed.Load() {
			return false
		}
		if l.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Put drops a reference. Dropping the last one finalizes the lock.
func (m *Manager) Put(env *Env, l *Lock) error {
	r := l.refs.Add(-1)
	if r < 0 {
		panic(fmt.Sprintf("cllock: reference count of lock %d dropped below zero", l.id))
	}
	if r > 0 {
		return nil
	}
	if !l.freed.CompareAndSwap(false, true) {
		return nil
	}
	m.locks.Delete(l.id)
	Logger.Debugf("lock %d finalized", l.id)
	return l.ops.Fini(env, l)
}

// Hold takes a traced reference. Traced references behave like Get/Put and
// additionally count per scope for diagnostics.
func (m *Manager) Hold(l *Lock, scope string) {
	m.Get(l)
	l.traceMu.Lock()
	l.traces[scope]++
	l.traceMu.Unlock()
}

// Release drops a traced reference taken by Hold.
func (m *Manager) Release(env *Env, l *Lock, scope string) error {
	l.traceMu.Lock()
	if l.traces[scope]--; l.traces[scope] <= 0 {
		delete(l.traces, scope)
	}
	l.traceMu.Unlock()
	return m.Put(env, l)
}

// --------------------------------------------------------------------------
// State, Signals and Errors
// --------------------------------------------------------------------------

// StateSet moves l into state st and signals it if the state changed.
func (m *Manager) StateSet(env *Env, l *Lock, st State) {
	m.assertMutexed(env, l)
	if l.state == st {
		return
	}
	Logger.Debugf("lock %d: %s -> %s", l.id, l.state, st)
	l.state = st
	m.Signal(env, l)
}

// Signal notifies the owning layer about the current state of l and wakes
// everybody waiting on l.
func (m *Manager) Signal(env *Env, l *Lock) {
	m.assertMutexed(env, l)
	l.ops.State(env, l, l.state)
	l.signals.Add(1)
	close(l.waitq)
	l.waitq = make(chan struct{})
}

// Wait releases the mutex of l until l is signaled or ctx is done, then
// re-acquires it. It returns the context error if ctx ended the wait.
func (m *Manager) Wait(ctx context.Context, env *Env, l *Lock) error {
	m.assertMutexed(env, l)
	q := l.waitq
	depth := m.MutexDrop(env, l)
	var err error
	select {
	case <-q:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.MutexRestore(env, l, depth)
	return err
}

// SetError records err on l (if it has none yet) and wakes waiters, without
// tearing the lock down.
func (m *Manager) SetError(env *Env, l *Lock, err error) {
	m.assertMutexed(env, l)
	if l.err != nil || err == nil {
		return
	}
	l.err = err
	m.Signal(env, l)
}

// Error fails l with err: the error is recorded, the lock is signaled,
// canceled and deleted. A lock that already carries an error is left alone.
func (m *Manager) Error(env *Env, l *Lock, err error) error {
	m.assertMutexed(env, l)
	if l.err != nil || err == nil {
		return nil
	}
	Logger.Infof("lock %d failed: %v", l.id, err)
	l.err = err
	m.Signal(env, l)
	if cerr := m.Cancel(env, l); cerr != nil {
		return cerr
	}
	return m.Delete(env, l)
}

// Cancel cancels l once.
func (m *Manager) Cancel(env *Env, l *Lock) error {
	m.assertMutexed(env, l)
	if l.canceled {
		return nil
	}
	l.canceled = true
	return l.ops.Cancel(env, l)
}

// Delete moves l to FREEING and tears down its layer, once.
func (m *Manager) Delete(env *Env, l *Lock) error {
	m.assertMutexed(env, l)
	if l.deleted {
		return nil
	}
	l.deleted = true
	m.StateSet(env, l, StateFreeing)
	return l.ops.Delete(env, l)
}

// Modify changes the extent of l through its layer.
func (m *Manager) Modify(env *Env, l *Lock, d descr.Descr) error {
	m.assertMutexed(env, l)
	nd, err := l.ops.Modify(env, l, d)
	if err != nil {
		return err
	}
	l.descr = nd
	return nil
}

// Weigh returns the weight of l as estimated by its layer.
func (m *Manager) Weigh(env *Env, l *Lock) uint64 {
	m.assertMutexed(env, l)
	return l.ops.Weigh(env, l)
}

// Print writes a one line description of l followed by layer diagnostics.
func (m *Manager) Print(env *Env, l *Lock, w io.Writer) {
	err := "-"
	if l.err != nil {
		err = l.err.Error()
	}
	_, _ = fmt.Fprintf(w, "lock@%d[%s %s refs:%d err:%s] ", l.id, l.state, l.descr, l.refs.Load(), err)
	l.ops.Print(env, l, w)
}

// --------------------------------------------------------------------------
// Closures
// --------------------------------------------------------------------------

// Closure is a set of mutually dependent locks whose mutexes are all held.
type Closure struct {
	Origin *Lock
	locks  []*Lock
}

// Locks returns the members of the closure, origin first.
func (c *Closure) Locks() []*Lock {
	return c.locks
}

func (c *Closure) contains(l *Lock) bool {
	for _, h := range c.locks {
		if h == l {
			return true
		}
	}
	return false
}

// ClosureInit starts a closure at origin, whose mutex the caller must hold.
func (m *Manager) ClosureInit(env *Env, origin *Lock) *Closure {
	m.assertMutexed(env, origin)
	return &Closure{Origin: origin}
}

// ClosureBuild adds l and everything its layer depends on to c.
func (m *Manager) ClosureBuild(env *Env, l *Lock, c *Closure) error {
	if c.contains(l) {
		return nil
	}
	if l != c.Origin && !m.MutexTry(env, l) {
		return ErrRepeat
	}
	m.Get(l)
	c.locks = append(c.locks, l)
	return l.ops.Closure(env, l, c)
}

// ClosureFini releases every member of c except the origin.
func (m *Manager) ClosureFini(env *Env, c *Closure) error {
	var first error
	for _, l := range c.locks {
		if l != c.Origin {
			m.MutexPut(env, l)
		}
		if err := m.Put(env, l); err != nil && first == nil {
			first = err
		}
	}
	c.locks = nil
	return first
}
