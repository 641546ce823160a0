package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/lov"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/ValentinKolb/dStripe/lib/target"
)

// --------------------------------------------------------------------------
// Event queue
// --------------------------------------------------------------------------

// eventQueue buffers target events for the workers. push never blocks, so
// targets may deliver events from any goroutine.
type eventQueue struct {
	mu       sync.Mutex
	items    []target.Event
	inflight int
	notify   chan struct{}
	idle     chan struct{} // closed while nothing is queued or in flight
}

func newEventQueue() *eventQueue {
	idle := make(chan struct{})
	close(idle)
	return &eventQueue{
		notify: make(chan struct{}, 1),
		idle:   idle,
	}
}

func (q *eventQueue) push(ev target.Event) {
	q.mu.Lock()
	if q.inflight == 0 {
		q.idle = make(chan struct{})
	}
	q.items = append(q.items, ev)
	q.inflight++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or ctx is done.
func (q *eventQueue) pop(ctx context.Context) (target.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return target.Event{}, ctx.Err()
		}
	}
}

// done marks a popped event as processed.
func (q *eventQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight--; q.inflight == 0 {
		close(q.idle)
	}
}

func (q *eventQueue) idleChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Pending returns the number of events that are queued or being processed.
func (q *eventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Sync waits until every event delivered so far has been processed.
func (c *Client) Sync(ctx context.Context) error {
	select {
	case <-c.queue.idleChan():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d target events: %w", c.queue.Pending(), ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Workers
// --------------------------------------------------------------------------

// worker processes target events until ctx is done. Errors of single events
// are logged, the worker keeps running.
func (c *Client) worker(ctx context.Context, env *cllock.Env) error {
	for {
		ev, err := c.queue.pop(ctx)
		if err != nil {
			return nil
		}
		start := time.Now()
		if err := c.handle(env, ev); err != nil {
			Logger.Warningf("handling %s: %v", ev, err)
		}
		c.stats.eventLatency.Update(time.Since(start).Microseconds())
		c.queue.done()
		if n := env.NrMutexed(); n != 0 {
			return fmt.Errorf("worker leaked %d lock mutexes after %s", n, ev)
		}
	}
}

// handle applies one target event to the sub-lock of its grant.
func (c *Client) handle(env *cllock.Env, ev target.Event) error {
	c.stats.event(ev.Kind)
	sub, ok := c.grants.Load(ev.GrantID)
	if !ok || !c.mgr.TryGet(sub.Lock()) {
		Logger.Debugf("no sub-lock for %s", ev)
		return nil
	}
	defer c.put(env, sub.Lock())
	obj := stripe.FileObject(sub.Object())

	c.mgr.MutexGet(env, sub.Lock())
	defer c.mgr.MutexPut(env, sub.Lock())
	if sub.Lock().Deleted() || sub.Grant() != ev.GrantID {
		return nil
	}

	var err error
	switch ev.Kind {
	case target.EventRevoked, target.EventEvicted:
		if sub.Users() > 0 {
			sub.MarkCancelPending()
			Logger.Debugf("sub-lock %d in use, cancel deferred", sub.ID())
			return nil
		}
		err = c.cancelSub(env, sub)
	case target.EventModified:
		err = c.mgr.Modify(env, sub.Lock(), ev.Descr)
	case target.EventFailed:
		err = c.mgr.Error(env, sub.Lock(), ev.Err)
	default:
		err = fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	if err == nil {
		return nil
	}
	if lov.IsInvariant(err) {
		return c.supervise(obj, err)
	}
	return fmt.Errorf("sub-lock %d: %w", sub.ID(), err)
}
