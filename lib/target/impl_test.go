package target

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Event, len(r.events))
	copy(res, r.events)
	return res
}

func rng(obj, start, end uint64, mode descr.Mode) descr.Descr {
	return descr.Descr{Obj: obj, Start: start, End: end, Mode: mode}
}

func TestEnqueueReusesCoveringGrant(t *testing.T) {
	tg := NewMemTarget(3, Options{})
	ctx := context.Background()

	g, err := tg.Enqueue(ctx, "a", rng(1, 0, 99, descr.ModeWrite))
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "a", g.Owner)
	assert.Equal(t, 3, tg.Index())

	again, err := tg.Enqueue(ctx, "a", rng(1, 10, 20, descr.ModeRead))
	require.NoError(t, err)
	assert.Equal(t, g.ID, again.ID)
	assert.Equal(t, 1, tg.Len())

	m, ok := tg.Match("a", rng(1, 50, 60, descr.ModeWrite))
	require.True(t, ok)
	assert.Equal(t, g.ID, m.ID)
	_, ok = tg.Match("b", rng(1, 50, 60, descr.ModeRead))
	assert.False(t, ok)
}

func TestEnqueueRevokesConflicts(t *testing.T) {
	tg := NewMemTarget(0, Options{})
	ctx := context.Background()
	var ra, rb recorder
	tg.Subscribe("a", ra.sink)
	tg.Subscribe("b", rb.sink)

	w, err := tg.Enqueue(ctx, "a", rng(1, 0, 9, descr.ModeWrite))
	require.NoError(t, err)
	r, err := tg.Enqueue(ctx, "a", rng(1, 20, 29, descr.ModeRead))
	require.NoError(t, err)

	// readers share, a writer does not
	_, err = tg.Enqueue(ctx, "b", rng(1, 20, 25, descr.ModeRead))
	require.NoError(t, err)
	assert.Empty(t, ra.get())

	_, err = tg.Enqueue(ctx, "b", rng(1, 5, 6, descr.ModeRead))
	require.NoError(t, err)
	events := ra.get()
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: EventRevoked, GrantID: w.ID, Descr: w.Descr}, events[0])
	assert.Empty(t, rb.get())

	_, ok := tg.Match("a", rng(1, 20, 29, descr.ModeRead))
	assert.True(t, ok, "compatible grant %s was revoked", r.ID)
	assert.Equal(t, 3, tg.Len())
}

func TestEvictionEmitsEvent(t *testing.T) {
	tg := NewMemTarget(1, Options{Capacity: 2})
	ctx := context.Background()
	var rec recorder
	tg.Subscribe("a", rec.sink)

	first, err := tg.Enqueue(ctx, "a", rng(1, 0, 9, descr.ModeRead))
	require.NoError(t, err)
	second, err := tg.Enqueue(ctx, "a", rng(2, 0, 9, descr.ModeRead))
	require.NoError(t, err)

	// touch the first grant, the second becomes the eviction candidate
	_, ok := tg.Match("a", first.Descr)
	require.True(t, ok)

	_, err = tg.Enqueue(ctx, "a", rng(3, 0, 9, descr.ModeRead))
	require.NoError(t, err)

	events := rec.get()
	require.Len(t, events, 1)
	assert.Equal(t, EventEvicted, events[0].Kind)
	assert.Equal(t, second.ID, events[0].GrantID)
	assert.Equal(t, 1, events[0].Target)
	assert.Equal(t, 2, tg.Len())

	// an evicted grant is no longer matched
	_, ok = tg.Match("a", second.Descr)
	assert.False(t, ok)
}

func TestReleaseChecksOwner(t *testing.T) {
	tg := NewMemTarget(0, Options{})
	var rec recorder
	tg.Subscribe("a", rec.sink)
	g, err := tg.Enqueue(context.Background(), "a", rng(1, 0, 9, descr.ModeWrite))
	require.NoError(t, err)

	ok, err := tg.Release("b", g.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, tg.Len())

	ok, err = tg.Release("a", g.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, tg.Len())

	ok, err = tg.Release("a", g.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, rec.get(), "release must not notify the owner")
}

func TestGrowToEOF(t *testing.T) {
	tg := NewMemTarget(0, Options{GrowToEOF: true})
	ctx := context.Background()

	b, err := tg.Enqueue(ctx, "b", rng(1, 100, 199, descr.ModeWrite))
	require.NoError(t, err)
	assert.Equal(t, descr.EOF, b.Descr.End)

	// a may only grow up to the write grant of b
	a, err := tg.Enqueue(ctx, "a", rng(1, 0, 9, descr.ModeRead))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), a.Descr.End)
	assert.Equal(t, 2, tg.Len())

	c, err := tg.Enqueue(ctx, "c", rng(2, 5, 9, descr.ModeRead))
	require.NoError(t, err)
	assert.Equal(t, descr.EOF, c.Descr.End)
}

func TestModifyAndFailNotify(t *testing.T) {
	tg := NewMemTarget(0, Options{})
	var rec recorder
	tg.Subscribe("a", rec.sink)
	g, err := tg.Enqueue(context.Background(), "a", rng(1, 0, 9, descr.ModeWrite))
	require.NoError(t, err)

	require.NoError(t, tg.Modify(g.ID, rng(1, 0, 19, descr.ModeWrite)))
	assert.ErrorIs(t, tg.Modify(g.ID, rng(2, 0, 19, descr.ModeWrite)), ErrInvalid)

	boom := errors.New("disk gone")
	require.NoError(t, tg.Fail(g.ID, boom))
	require.NoError(t, tg.Revoke(g.ID))

	assert.ErrorIs(t, tg.Fail(g.ID, boom), ErrNotFound)
	assert.ErrorIs(t, tg.Revoke(g.ID), ErrNotFound)
	assert.ErrorIs(t, tg.Modify(g.ID, g.Descr), ErrNotFound)

	events := rec.get()
	require.Len(t, events, 3)
	assert.Equal(t, EventModified, events[0].Kind)
	assert.Equal(t, rng(1, 0, 19, descr.ModeWrite), events[0].Descr)
	assert.Equal(t, EventFailed, events[1].Kind)
	assert.Equal(t, boom, events[1].Err)
	assert.Equal(t, EventRevoked, events[2].Kind)
}

func TestEnqueueHonorsContext(t *testing.T) {
	tg := NewMemTarget(0, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tg.Enqueue(ctx, "a", rng(1, 0, 9, descr.ModeRead))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = tg.Enqueue(context.Background(), "a", rng(1, 9, 0, descr.ModeRead))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 0, tg.Len())
}

func TestSinkMayCallBack(t *testing.T) {
	tg := NewMemTarget(0, Options{})
	ctx := context.Background()
	released := make(chan bool, 1)
	tg.Subscribe("a", func(ev Event) {
		ok, _ := tg.Release("a", ev.GrantID)
		released <- ok
	})

	g, err := tg.Enqueue(ctx, "a", rng(1, 0, 9, descr.ModeRead))
	require.NoError(t, err)
	require.NoError(t, tg.Revoke(g.ID))
	assert.True(t, <-released)

	grants := tg.Grants()
	assert.Empty(t, grants)
}
