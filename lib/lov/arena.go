package lov

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("lov")

// Reference scopes used with cllock.Manager.Hold.
const (
	scopeLink     = "lov-link"
	scopeParent   = "lovsub-parent"
	scopeTeardown = "lov-teardown"
)

// WeighPolicy selects how the weight of a sub-lock with several parents is
// estimated.
type WeighPolicy int

const (
	// WeighFirstParent asks the first parent only and treats its estimate as
	// representative.
	WeighFirstParent WeighPolicy = iota
	// WeighSum adds up the weights of all parents (saturating).
	WeighSum
)

func (p WeighPolicy) String() string {
	switch p {
	case WeighFirstParent:
		return "first"
	case WeighSum:
		return "sum"
	default:
		return "unknown"
	}
}

// ParseWeighPolicy parses "first" or "sum".
func ParseWeighPolicy(s string) (WeighPolicy, error) {
	switch s {
	case "first", "":
		return WeighFirstParent, nil
	case "sum":
		return WeighSum, nil
	default:
		return 0, fmt.Errorf("unknown weigh policy %q", s)
	}
}

// Options configure an Arena.
type Options struct {
	// MaxLocks limits the number of live top-locks plus sub-locks, 0 means no
	// limit.
	MaxLocks int
	// Weigh selects the weigh policy for sub-locks with several parents.
	Weigh WeighPolicy
	// Releaser gives the target grant of a canceled sub-lock back. Called with
	// the sub-lock mutex held.
	Releaser func(env *cllock.Env, sub *SubLock) error
	// OnSubFini is called after a sub-lock was finalized and removed from the
	// arena.
	OnSubFini func(env *cllock.Env, sub *SubLock)
	// Metrics receives the counters, a fresh set is created if nil.
	Metrics *Metrics
}

// Arena owns all top-locks and sub-locks of one client. Locks are stored by
// the id of their generic lock, links refer to them by id.
type Arena struct {
	mgr   *cllock.Manager
	coord *Coordinator
	opts  Options

	tops *xsync.MapOf[uint64, *TopLock]
	subs *xsync.MapOf[uint64, *SubLock]
}

// NewArena creates an empty arena whose locks are managed by mgr.
func NewArena(mgr *cllock.Manager, opts Options) *Arena {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	a := &Arena{
		mgr:  mgr,
		opts: opts,
		tops: xsync.NewMapOf[uint64, *TopLock](),
		subs: xsync.NewMapOf[uint64, *SubLock](),
	}
	a.coord = &Coordinator{arena: a, mgr: mgr, metrics: opts.Metrics, weigh: opts.Weigh}
	return a
}

// Manager returns the generic lock manager of the arena.
func (a *Arena) Manager() *cllock.Manager { return a.mgr }

// Coordinator returns the sub-lock layer of the arena.
func (a *Arena) Coordinator() *Coordinator { return a.coord }

// Metrics returns the counters of the arena.
func (a *Arena) Metrics() *Metrics { return a.opts.Metrics }

// Top returns a live top-lock by id.
func (a *Arena) Top(id uint64) (*TopLock, bool) { return a.tops.Load(id) }

// Sub returns a live sub-lock by id.
func (a *Arena) Sub(id uint64) (*SubLock, bool) { return a.subs.Load(id) }

// Tops returns all live top-locks ordered by id.
func (a *Arena) Tops() []*TopLock {
	var res []*TopLock
	a.tops.Range(func(_ uint64, t *TopLock) bool {
		res = append(res, t)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i].lock.ID() < res[j].lock.ID() })
	return res
}

// Subs returns all live sub-locks ordered by id.
func (a *Arena) Subs() []*SubLock {
	var res []*SubLock
	a.subs.Range(func(_ uint64, s *SubLock) bool {
		res = append(res, s)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i].lock.ID() < res[j].lock.ID() })
	return res
}

// Len returns the number of live top-locks and sub-locks.
func (a *Arena) Len() (tops, subs int) {
	return a.tops.Size(), a.subs.Size()
}

func (a *Arena) reserve() error {
	if a.opts.MaxLocks <= 0 {
		return nil
	}
	if t, s := a.Len(); t+s >= a.opts.MaxLocks {
		return NewError(RetCNoSpace, fmt.Sprintf("arena holds %d locks, limit is %d", t+s, a.opts.MaxLocks))
	}
	return nil
}

// --------------------------------------------------------------------------
// Construction
// --------------------------------------------------------------------------

// NewTop creates a top-lock for the file range d striped with layout. It has
// one empty slot per stripe intersecting d and holds the cache reference of
// the arena. Nothing is attached on failure.
func (a *Arena) NewTop(d descr.Descr, layout stripe.Layout) (*TopLock, error) {
	if err := layout.Validate(); err != nil {
		return nil, NewError(RetCInvalid, err.Error())
	}
	if d.Start > d.End {
		return nil, NewError(RetCInvalid, fmt.Sprintf("empty extent %s", d))
	}
	if err := a.reserve(); err != nil {
		return nil, err
	}

	idxs := layout.Stripes(d)
	top := &TopLock{
		arena:     a,
		requested: d,
		layout:    layout,
		slots:     make([]Slot, len(idxs)),
		cacheRef:  true,
	}
	for i, idx := range idxs {
		sd, _ := layout.UnmapExtent(d, idx)
		sd.Obj = stripe.SubObject(d.Obj, idx)
		top.slots[i] = Slot{Stripe: idx, Descr: sd, Got: sd}
	}
	top.lock = a.mgr.NewLock(d, &topLayer{top: top})
	a.tops.Store(top.lock.ID(), top)

	Logger.Debugf("top-lock %d created for %s (%d slots, layout %s)", top.lock.ID(), d, len(idxs), layout)
	return top, nil
}

// NewSub creates a sub-lock for the stripe extent d of stripe idx, granted by
// target under grant id. The returned lock carries one reference for the
// caller, which is usually dropped after the sub-lock was attached.
func (a *Arena) NewSub(d descr.Descr, idx, target int, grant string) (*SubLock, error) {
	if err := a.reserve(); err != nil {
		return nil, err
	}
	sub := &SubLock{
		arena:  a,
		obj:    d.Obj,
		stripe: idx,
		target: target,
		grant:  grant,
	}
	sub.lock = a.mgr.NewLock(d, &subLayer{c: a.coord, sub: sub})
	a.subs.Store(sub.lock.ID(), sub)

	Logger.Debugf("sub-lock %d created for %s at target %d", sub.lock.ID(), d, target)
	return sub, nil
}

// --------------------------------------------------------------------------
// Links
// --------------------------------------------------------------------------

// Attach links sub into slot idx of top and applies the extent got the
// sub-lock was granted with. env must hold the mutexes of both locks.
func (a *Arena) Attach(env *cllock.Env, top *TopLock, sub *SubLock, idx int, got descr.Descr) error {
	if err := a.link(env, top, sub, idx); err != nil {
		return err
	}
	return a.coord.SublockModify(env, top, sub, got, idx)
}

// Detach removes the link between sub and slot idx of top. env must hold
// the mutexes of both locks.
func (a *Arena) Detach(env *cllock.Env, top *TopLock, idx int) error {
	if idx < 0 || idx >= len(top.slots) || top.slots[idx].Link == nil {
		return NewError(RetCInvalid, fmt.Sprintf("slot %d of top-lock %d is empty", idx, top.lock.ID()))
	}
	link := top.slots[idx].Link
	sub, ok := a.subs.Load(link.Sub)
	if !ok {
		return invariantf(top.lock.ID(), "slot %d links unknown sub-lock %d", idx, link.Sub)
	}
	return a.unlink(env, top, sub, link)
}

func (a *Arena) link(env *cllock.Env, top *TopLock, sub *SubLock, idx int) error {
	if !env.IsMutexed(top.lock) || !env.IsMutexed(sub.lock) {
		return invariantf(top.lock.ID(), "link to sub-lock %d without both mutexes", sub.lock.ID())
	}
	if idx < 0 || idx >= len(top.slots) {
		return NewError(RetCInvalid, fmt.Sprintf("slot %d out of range for top-lock %d", idx, top.lock.ID()))
	}
	slot := &top.slots[idx]
	if slot.Link != nil {
		return NewError(RetCSlotOccupied, fmt.Sprintf("slot %d of top-lock %d holds sub-lock %d", idx, top.lock.ID(), slot.Link.Sub))
	}
	if slot.Stripe != sub.stripe {
		return NewError(RetCInvalid, fmt.Sprintf("sub-lock %d is for stripe %d, slot %d for stripe %d", sub.lock.ID(), sub.stripe, idx, slot.Stripe))
	}

	link := &ParentLink{Top: top.lock.ID(), Sub: sub.lock.ID(), Idx: idx}
	slot.Link = link
	top.nrFilled++
	sub.parents = append(sub.parents, link)
	a.mgr.Hold(sub.lock, scopeLink)
	return nil
}

// unlink vacates the slot of link and drops the reference the link held on
// sub. The caller must hold its own reference on sub.
func (a *Arena) unlink(env *cllock.Env, top *TopLock, sub *SubLock, link *ParentLink) error {
	if !env.IsMutexed(top.lock) || !env.IsMutexed(sub.lock) {
		return invariantf(top.lock.ID(), "unlink of sub-lock %d without both mutexes", sub.lock.ID())
	}
	slot := &top.slots[link.Idx]
	if slot.Link != link {
		return invariantf(top.lock.ID(), "slot %d does not hold link to sub-lock %d", link.Idx, sub.lock.ID())
	}
	if !sub.removeParent(link) {
		return invariantf(sub.lock.ID(), "link to top-lock %d missing from parent set", top.lock.ID())
	}
	slot.Link = nil
	top.nrFilled--
	return a.mgr.Release(env, sub.lock, scopeLink)
}
