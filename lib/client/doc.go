/*
Package client locks ranges of striped files.

A Client is the upper layer above the lov coordinator. For every requested
file range it assembles a top-lock from one stripe lock (sub-lock) per stripe,
each granted by the lock service of the target storing that stripe, and keeps
finished top-locks cached so later requests covered by them are served
without asking the targets again.

Lifecycle of a request:

  - Lock looks for a cached or held top-lock covering the range and creates a
    new one otherwise.
  - Every empty slot is filled: the target grants the stripe extent, the grant
    is mapped to a sub-lock (grants already known to the client reuse their
    sub-lock) and the sub-lock is attached under the sub-lock mutex followed by
    the top-lock mutex.
  - The sub-locks are pinned (used) and the full top-lock moves to HELD.
  - Unlock unpins everything and caches the top-lock again, or moves it back to
    NEW if a stripe lock was lost meanwhile.

Target events:

Targets revoke grants (conflicts with other clients, LRU eviction), change
their extent or report failures. Events are queued without blocking the
target and applied by a pool of workers (errgroup), each with its own
cllock.Env:

  - Revoked, Evicted: the sub-lock is canceled and deleted, which demotes or
    tears down its top-locks. A pinned sub-lock is canceled when it is unpinned.
  - Modified: the new extent is propagated to the top-locks.
  - Failed: the error is stored on the sub-lock and delivered to its top-locks.

Supervision:

Coordinator operations report corrupted hierarchies as *lov.InvariantError.
The client counts them, quarantines the affected object and keeps running;
further Lock calls for the object return ErrQuarantined.

Usage Example:

	targets := make([]target.ITargetLockService, conf.Targets)
	for i := range targets {
	    targets[i] = target.NewMemTarget(i, target.Options{})
	}
	c, err := client.New(conf, targets)
	if err != nil {
	    return err
	}
	if err := c.Start(ctx); err != nil {
	    return err
	}
	defer c.Close()

	_ = c.Open(client.Object{ID: 1, Layout: stripe.Layout{Count: 4, Size: 16}})
	env := cllock.NewEnv()
	h, err := c.Lock(ctx, env, 1, descr.Descr{Start: 0, End: 63, Mode: descr.ModeWrite})
	if err != nil {
	    return err
	}
	defer c.Unlock(env, h)
*/
package client
