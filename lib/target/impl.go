package target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("target")

// DefaultCapacity is the grant cache size used when Options.Capacity is 0.
const DefaultCapacity = 4096

// Options configure a target.
type Options struct {
	// Capacity is the maximum number of grants kept before the least recently
	// used one is evicted.
	Capacity int
	// GrowToEOF grows new grants up to the next conflicting grant.
	GrowToEOF bool
}

type grant struct {
	Grant
	removed bool // removed on purpose, no eviction event
}

type pendingEvent struct {
	owner string
	ev    Event
}

type memTarget struct {
	idx  int
	opts Options

	mu      sync.Mutex
	grants  *lru.Cache[string, *grant]
	byObj   map[uint64]map[string]*grant
	sinks   map[string]EventSink
	pending []pendingEvent
}

// NewMemTarget creates an in-memory lock service for target idx.
func NewMemTarget(idx int, opts Options) ITargetLockService {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	t := &memTarget{
		idx:   idx,
		opts:  opts,
		byObj: make(map[uint64]map[string]*grant),
		sinks: make(map[string]EventSink),
	}
	// only fails for a non-positive size
	t.grants, _ = lru.NewWithEvict[string, *grant](opts.Capacity, t.onEvict)
	return t
}

func (t *memTarget) Index() int {
	return t.idx
}

func (t *memTarget) Subscribe(owner string, sink EventSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[owner] = sink
}

func (t *memTarget) Enqueue(ctx context.Context, owner string, d descr.Descr) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	if d.Start > d.End {
		return Grant{}, fmt.Errorf("%w: empty extent %s", ErrInvalid, d)
	}

	t.mu.Lock()
	if g, ok := t.match(owner, d); ok {
		t.mu.Unlock()
		return g, nil
	}

	for _, g := range t.byObj[d.Obj] {
		if g.Owner != owner && g.Descr.Conflicts(d) {
			Logger.Debugf("target %d: %s revoked for %s of %s", t.idx, g, d, owner)
			t.remove(g)
			t.queue(g.Owner, Event{Kind: EventRevoked, GrantID: g.ID, Descr: g.Descr})
		}
	}

	if t.opts.GrowToEOF {
		d.End = t.growLimit(owner, d)
	}
	g := &grant{Grant: Grant{ID: uuid.NewString(), Owner: owner, Descr: d}}
	t.index(g)
	t.grants.Add(g.ID, g)
	res := g.Grant
	t.mu.Unlock()

	t.flush()
	return res, nil
}

func (t *memTarget) Match(owner string, d descr.Descr) (Grant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.match(owner, d)
}

func (t *memTarget) Release(owner, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.grants.Peek(id)
	if !ok {
		return true, nil
	}
	if g.Owner != owner {
		return false, nil
	}
	t.remove(g)
	return true, nil
}

func (t *memTarget) Revoke(id string) error {
	t.mu.Lock()
	g, ok := t.grants.Peek(id)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.remove(g)
	t.queue(g.Owner, Event{Kind: EventRevoked, GrantID: g.ID, Descr: g.Descr})
	t.mu.Unlock()

	t.flush()
	return nil
}

func (t *memTarget) Modify(id string, d descr.Descr) error {
	t.mu.Lock()
	g, ok := t.grants.Peek(id)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Obj != g.Descr.Obj || d.Start > d.End {
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot modify %s to %s", ErrInvalid, g.Descr, d)
	}
	g.Descr = d
	t.queue(g.Owner, Event{Kind: EventModified, GrantID: g.ID, Descr: d})
	t.mu.Unlock()

	t.flush()
	return nil
}

func (t *memTarget) Fail(id string, err error) error {
	t.mu.Lock()
	g, ok := t.grants.Peek(id)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.queue(g.Owner, Event{Kind: EventFailed, GrantID: g.ID, Descr: g.Descr, Err: err})
	t.mu.Unlock()

	t.flush()
	return nil
}

func (t *memTarget) Grants() []Grant {
	t.mu.Lock()
	res := make([]Grant, 0, t.grants.Len())
	for _, g := range t.grants.Values() {
		res = append(res, g.Grant)
	}
	t.mu.Unlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].Descr.Obj != res[j].Descr.Obj {
			return res[i].Descr.Obj < res[j].Descr.Obj
		}
		return res[i].Descr.Start < res[j].Descr.Start
	})
	return res
}

func (t *memTarget) Len() int {
	return t.grants.Len()
}

// --------------------------------------------------------------------------
// Internal (t.mu held)
// --------------------------------------------------------------------------

func (t *memTarget) match(owner string, d descr.Descr) (Grant, bool) {
	for _, g := range t.byObj[d.Obj] {
		if g.Owner == owner && descr.ExtMatch(g.Descr, d) {
			t.grants.Get(g.ID)
			return g.Grant, true
		}
	}
	return Grant{}, false
}

// growLimit returns the end d can be grown to without conflicting with a
// grant of another owner.
func (t *memTarget) growLimit(owner string, d descr.Descr) uint64 {
	end := descr.EOF
	for _, g := range t.byObj[d.Obj] {
		if g.Owner == owner || g.Descr.Start <= d.End {
			continue
		}
		if d.Mode == descr.ModeWrite || g.Descr.Mode == descr.ModeWrite {
			end = min(end, g.Descr.Start-1)
		}
	}
	return end
}

func (t *memTarget) index(g *grant) {
	m, ok := t.byObj[g.Descr.Obj]
	if !ok {
		m = make(map[string]*grant)
		t.byObj[g.Descr.Obj] = m
	}
	m[g.ID] = g
}

func (t *memTarget) unindex(g *grant) {
	m := t.byObj[g.Descr.Obj]
	delete(m, g.ID)
	if len(m) == 0 {
		delete(t.byObj, g.Descr.Obj)
	}
}

func (t *memTarget) remove(g *grant) {
	g.removed = true
	t.grants.Remove(g.ID)
}

// onEvict runs synchronously inside Add and Remove, i.e. with t.mu held.
func (t *memTarget) onEvict(_ string, g *grant) {
	t.unindex(g)
	if g.removed {
		return
	}
	Logger.Debugf("target %d: %s evicted", t.idx, g)
	t.queue(g.Owner, Event{Kind: EventEvicted, GrantID: g.ID, Descr: g.Descr})
}

func (t *memTarget) queue(owner string, ev Event) {
	ev.Target = t.idx
	t.pending = append(t.pending, pendingEvent{owner: owner, ev: ev})
}

// flush delivers all queued events. Must be called without t.mu held.
func (t *memTarget) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	sinks := make([]EventSink, len(pending))
	for i, p := range pending {
		sinks[i] = t.sinks[p.owner]
	}
	t.mu.Unlock()

	for i, p := range pending {
		if sinks[i] == nil {
			Logger.Warningf("target %d: dropping %s for %s without subscription", t.idx, p.ev, p.owner)
			continue
		}
		sinks[i](p.ev)
	}
}
