package cllock

import (
	"sync/atomic"
)

var envSeq atomic.Uint64

// Env is the per-worker lock environment. It is not safe for concurrent use.
type Env struct {
	id   uint64
	held []*Lock
}

// NewEnv creates a fresh environment holding no mutexes.
func NewEnv() *Env {
	return &Env{id: envSeq.Add(1)}
}

// ID returns a process unique identifier of the environment (for logging).
func (e *Env) ID() uint64 {
	return e.id
}

// NrMutexed returns the number of distinct lock mutexes held by this environment.
func (e *Env) NrMutexed() int {
	return len(e.held)
}

// IsMutexed returns whether this environment holds the mutex of l.
func (e *Env) IsMutexed(l *Lock) bool {
	return l.owner.Load() == e
}

// Held returns a copy of the locks whose mutex is held, in acquisition order.
func (e *Env) Held() []*Lock {
	res := make([]*Lock, len(e.held))
	copy(res, e.held)
	return res
}

func (e *Env) add(l *Lock) {
	e.held = append(e.held, l)
}

func (e *Env) remove(l *Lock) {
	for i, h := range e.held {
		if h == l {
			e.held = append(e.held[:i], e.held[i+1:]...)
			return
		}
	}
}
