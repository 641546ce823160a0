package cllock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingOps records every layer callback.
type recordingOps struct {
	states   []State
	modified []descr.Descr
	canceled int
	deleted  int
	finis    int
	deps     []*Lock
	weight   uint64
}

func (o *recordingOps) State(_ *Env, _ *Lock, st State) { o.states = append(o.states, st) }
func (o *recordingOps) Modify(_ *Env, _ *Lock, d descr.Descr) (descr.Descr, error) {
	o.modified = append(o.modified, d)
	return d, nil
}
func (o *recordingOps) Cancel(*Env, *Lock) error { o.canceled++; return nil }
func (o *recordingOps) Delete(*Env, *Lock) error { o.deleted++; return nil }
func (o *recordingOps) Weigh(*Env, *Lock) uint64 { return o.weight }
func (o *recordingOps) Closure(env *Env, l *Lock, c *Closure) error {
	return nil
}
func (o *recordingOps) Print(_ *Env, _ *Lock, w io.Writer) { _, _ = io.WriteString(w, "rec") }
func (o *recordingOps) Fini(*Env, *Lock) error              { o.finis++; return nil }

// chainOps links a lock to further locks for closure tests.
type chainOps struct {
	recordingOps
	m *Manager
}

func (o *chainOps) Closure(env *Env, _ *Lock, c *Closure) error {
	for _, d := range o.deps {
		if err := o.m.ClosureBuild(env, d, c); err != nil {
			return err
		}
	}
	return nil
}

func TestMutexRecursionAndCount(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	a := m.NewLock(descr.Whole(1, descr.ModeRead), &recordingOps{})
	b := m.NewLock(descr.Whole(2, descr.ModeRead), &recordingOps{})

	m.MutexGet(env, a)
	m.MutexGet(env, a)
	m.MutexGet(env, b)
	assert.Equal(t, 2, env.NrMutexed())
	assert.True(t, env.IsMutexed(a))

	m.MutexPut(env, a)
	assert.True(t, env.IsMutexed(a), "recursive mutex released too early")
	m.MutexPut(env, a)
	assert.False(t, env.IsMutexed(a))
	assert.Equal(t, 1, env.NrMutexed())

	m.MutexPut(env, b)
	assert.Equal(t, 0, env.NrMutexed())
}

func TestMutexTryAndDrop(t *testing.T) {
	m := NewManager()
	env1, env2 := NewEnv(), NewEnv()
	l := m.NewLock(descr.Whole(1, descr.ModeRead), &recordingOps{})

	m.MutexGet(env1, l)
	m.MutexGet(env1, l)
	assert.False(t, m.MutexTry(env2, l))

	depth := m.MutexDrop(env1, l)
	assert.Equal(t, 2, depth)
	require.True(t, m.MutexTry(env2, l))
	m.MutexPut(env2, l)

	m.MutexRestore(env1, l, depth)
	m.MutexPut(env1, l)
	assert.True(t, env1.IsMutexed(l))
	m.MutexPut(env1, l)
	assert.False(t, env1.IsMutexed(l))
}

func TestMutexPutByStrangerPanics(t *testing.T) {
	m := NewManager()
	l := m.NewLock(descr.Whole(1, descr.ModeRead), &recordingOps{})
	assert.Panics(t, func() { m.MutexPut(NewEnv(), l) })
}

func TestStateSetSignalsLayer(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	ops := &recordingOps{}
	l := m.NewLock(descr.Whole(1, descr.ModeRead), ops)

	m.MutexGet(env, l)
	m.StateSet(env, l, StateQueuing)
	m.StateSet(env, l, StateQueuing)
	m.StateSet(env, l, StateHeld)
	m.MutexPut(env, l)

	assert.Equal(t, []State{StateQueuing, StateHeld}, ops.states)
	assert.Equal(t, uint64(2), l.Signals())
}

func TestWaitWakesOnSignal(t *testing.T) {
	m := NewManager()
	l := m.NewLock(descr.Whole(1, descr.ModeRead), &recordingOps{})

	waiter := NewEnv()
	m.MutexGet(waiter, l)

	done := make(chan error)
	go func() {
		env := NewEnv()
		m.MutexGet(env, l)
		m.StateSet(env, l, StateEnqueued)
		m.MutexPut(env, l)
		done <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, waiter, l))
	assert.True(t, waiter.IsMutexed(l))
	assert.Equal(t, StateEnqueued, l.State())
	m.MutexPut(waiter, l)
	<-done
}

func TestWaitHonorsContext(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	l := m.NewLock(descr.Whole(1, descr.ModeRead), &recordingOps{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	m.MutexGet(env, l)
	err := m.Wait(ctx, env, l)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, env.IsMutexed(l))
	m.MutexPut(env, l)
}

func TestErrorCancelsAndDeletesOnce(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	ops := &recordingOps{}
	l := m.NewLock(descr.Whole(1, descr.ModeRead), ops)
	boom := errors.New("boom")

	m.MutexGet(env, l)
	require.NoError(t, m.Error(env, l, boom))
	require.NoError(t, m.Error(env, l, errors.New("second")))
	m.MutexPut(env, l)

	assert.Equal(t, boom, l.Err())
	assert.Equal(t, 1, ops.canceled)
	assert.Equal(t, 1, ops.deleted)
	assert.Equal(t, StateFreeing, l.State())
}

func TestSetErrorKeepsLock(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	ops := &recordingOps{}
	l := m.NewLock(descr.Whole(1, descr.ModeRead), ops)

	m.MutexGet(env, l)
	m.SetError(env, l, context.Canceled)
	m.MutexPut(env, l)

	assert.ErrorIs(t, l.Err(), context.Canceled)
	assert.Equal(t, 0, ops.deleted)
	assert.Equal(t, StateNew, l.State())
}

func TestReferencesFinalize(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	ops := &recordingOps{}
	l := m.NewLock(descr.Whole(1, descr.ModeRead), ops)

	m.Hold(l, "test")
	assert.Equal(t, map[string]int{"test": 1}, l.Traces())
	require.NoError(t, m.Release(env, l, "test"))
	assert.Empty(t, l.Traces())
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Put(env, l))
	assert.True(t, l.Freed())
	assert.Equal(t, 1, ops.finis)
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.TryGet(l))
}

func TestModifyInstallsLayerDescr(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	ops := &recordingOps{}
	l := m.NewLock(descr.Descr{Obj: 1, End: 10}, ops)
	nd := descr.Descr{Obj: 1, End: 20}

	m.MutexGet(env, l)
	require.NoError(t, m.Modify(env, l, nd))
	assert.Equal(t, nd, l.Descr())
	m.MutexPut(env, l)
}

func TestClosure(t *testing.T) {
	m := NewManager()
	env := NewEnv()

	leafA := m.NewLock(descr.Whole(2, descr.ModeRead), &recordingOps{})
	leafB := m.NewLock(descr.Whole(3, descr.ModeRead), &recordingOps{})
	rootOps := &chainOps{m: m}
	rootOps.deps = []*Lock{leafA, leafB, leafA}
	root := m.NewLock(descr.Whole(1, descr.ModeRead), rootOps)

	m.MutexGet(env, root)
	c := m.ClosureInit(env, root)
	require.NoError(t, m.ClosureBuild(env, root, c))
	assert.Equal(t, []*Lock{root, leafA, leafB}, c.Locks())
	assert.Equal(t, 3, env.NrMutexed())
	require.NoError(t, m.ClosureFini(env, c))
	assert.Equal(t, 1, env.NrMutexed())

	// a busy member forces a repeat
	other := NewEnv()
	m.MutexGet(other, leafB)
	c = m.ClosureInit(env, root)
	assert.ErrorIs(t, m.ClosureBuild(env, root, c), ErrRepeat)
	require.NoError(t, m.ClosureFini(env, c))
	m.MutexPut(other, leafB)

	m.MutexPut(env, root)
	assert.Equal(t, 0, env.NrMutexed())
}

func TestPrint(t *testing.T) {
	m := NewManager()
	env := NewEnv()
	l := m.NewLock(descr.Descr{Obj: 1, Start: 2, End: 3}, &recordingOps{})

	var buf bytes.Buffer
	m.MutexGet(env, l)
	m.Print(env, l, &buf)
	m.MutexPut(env, l)

	assert.Contains(t, buf.String(), "NEW 1:R[2-3] refs:1 err:-")
	assert.Contains(t, buf.String(), "rec")
}
