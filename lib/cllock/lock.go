package cllock

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dStripe/lib/descr"
)

// ErrRepeat is returned by ClosureBuild when a member of the closure is locked
// by another worker. The closure must be released and built again.
var ErrRepeat = errors.New("cllock: closure member busy, repeat")

// --------------------------------------------------------------------------
// Lock State
// --------------------------------------------------------------------------

// State is the state of a generic lock.
type State int

const (
	StateNew       State = iota // not yet enqueued, or lost part of its coverage
	StateQueuing                // enqueue in progress
	StateEnqueued               // granted, not yet used
	StateHeld                   // in use
	StateUnlocking              // being released by its last user
	StateCached                 // granted and idle, ready for re-use
	StateFreeing                // deleted, waiting for the last reference
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateQueuing:
		return "QUEUING"
	case StateEnqueued:
		return "ENQUEUED"
	case StateHeld:
		return "HELD"
	case StateUnlocking:
		return "UNLOCKING"
	case StateCached:
		return "CACHED"
	case StateFreeing:
		return "FREEING"
	default:
		return "UNKNOWN"
	}
}

// --------------------------------------------------------------------------
// Layer Operations
// --------------------------------------------------------------------------

// Operations is implemented once per lock layer. All methods are called with
// the mutex of l held by env.
type Operations interface {
	// State is called whenever the lock is signaled, st is the current state.
	State(env *Env, l *Lock, st State)
	// Modify is called when the extent of the lock changes. It returns the
	// descriptor the lock carries afterwards.
	Modify(env *Env, l *Lock, d descr.Descr) (descr.Descr, error)
	// Cancel releases whatever the layer holds on behalf of the lock.
	Cancel(env *Env, l *Lock) error
	// Delete tears the layer down, it is called at most once.
	Delete(env *Env, l *Lock) error
	// Weigh estimates how expensive it is to give the lock up.
	Weigh(env *Env, l *Lock) uint64
	// Closure adds locks the layer depends on to c.
	Closure(env *Env, l *Lock, c *Closure) error
	// Print writes layer specific diagnostics.
	Print(env *Env, l *Lock, w io.Writer)
	// Fini is called once the last reference is gone. The mutex may or may not
	// be held at this point.
	Fini(env *Env, l *Lock) error
}

// --------------------------------------------------------------------------
// Lock
// --------------------------------------------------------------------------

// Lock is a generic lock handle. Fields guarded by the lock mutex are only
// accessed through the Manager.
type Lock struct {
	id  uint64
	ops Operations

	mu    sync.Mutex
	owner atomic.Pointer[Env]
	depth int

	// guarded by mu
	descr    descr.Descr
	state    State
	err      error
	canceled bool
	deleted  bool
	waitq    chan struct{}

	refs    atomic.Int64
	freed   atomic.Bool
	signals atomic.Uint64

	traceMu sync.Mutex
	traces  map[string]int
}

// ID returns the manager unique id of the lock.
func (l *Lock) ID() uint64 { return l.id }

// Ops returns the layer operations of the lock.
func (l *Lock) Ops() Operations { return l.ops }

// Descr returns the current descriptor. The caller must hold the lock mutex.
func (l *Lock) Descr() descr.Descr { return l.descr }

// State returns the current state. The caller must hold the lock mutex.
func (l *Lock) State() State { return l.state }

// Err returns the error stored on the lock. The caller must hold the lock mutex.
func (l *Lock) Err() error { return l.err }

// Canceled returns whether Cancel was called. The caller must hold the lock mutex.
func (l *Lock) Canceled() bool { return l.canceled }

// Deleted returns whether Delete was called. The caller must hold the lock mutex.
func (l *Lock) Deleted() bool { return l.deleted }

// Refs returns the current reference count.
func (l *Lock) Refs() int64 { return l.refs.Load() }

// Freed returns whether the lock was finalized.
func (l *Lock) Freed() bool { return l.freed.Load() }

// Signals returns how many times the lock was signaled.
func (l *Lock) Signals() uint64 { return l.signals.Load() }

// Traces returns the number of traced references per scope.
func (l *Lock) Traces() map[string]int {
	l.traceMu.Lock()
	defer l.traceMu.Unlock()
	res := make(map[string]int, len(l.traces))
	for k, v := range l.traces {
		res[k] = v
	}
	return res
}
