package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/common"
	"github.com/ValentinKolb/dStripe/lib/lov"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/ValentinKolb/dStripe/lib/target"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("client")

var (
	// ErrQuarantined is returned for objects whose lock hierarchy was found
	// corrupt.
	ErrQuarantined = errors.New("client: object quarantined")
	// ErrUnknownObject is returned for objects that were never opened.
	ErrUnknownObject = errors.New("client: unknown object")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
	// ErrBusy is returned when a lock could not be assembled within the
	// configured number of retries.
	ErrBusy = errors.New("client: lock busy")
)

// Object is an opened striped file.
type Object struct {
	ID          uint64
	Layout      stripe.Layout
	FirstTarget int // target of stripe 0, stripe i lives on (FirstTarget+i) % targets
}

// Client locks ranges of striped files. Every stripe lock is obtained from
// the target storing the stripe, revocations and other target events are
// processed by a pool of event workers.
type Client struct {
	conf    common.ClientConfig
	mgr     *cllock.Manager
	arena   *lov.Arena
	targets []target.ITargetLockService
	stats   *Stats

	objects     *xsync.MapOf[uint64, Object]
	grants      *xsync.MapOf[string, *lov.SubLock]
	quarantined *xsync.MapOf[uint64, error]

	queue *eventQueue

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

// New creates a client using the given targets. Start must be called before
// locks are requested so target events are processed.
func New(conf common.ClientConfig, targets []target.ITargetLockService) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if len(targets) != conf.Targets {
		return nil, fmt.Errorf("configured for %d targets, got %d", conf.Targets, len(targets))
	}
	policy, err := lov.ParseWeighPolicy(conf.WeighPolicy)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conf:        conf,
		mgr:         cllock.NewManager(),
		targets:     targets,
		stats:       newStats(),
		objects:     xsync.NewMapOf[uint64, Object](),
		grants:      xsync.NewMapOf[string, *lov.SubLock](),
		quarantined: xsync.NewMapOf[uint64, error](),
		queue:       newEventQueue(),
	}
	c.arena = lov.NewArena(c.mgr, lov.Options{
		MaxLocks:  conf.MaxLocks,
		Weigh:     policy,
		Releaser:  c.releaseGrant,
		OnSubFini: c.forgetGrant,
		Metrics:   lov.NewClientMetrics(conf.Name),
	})
	for _, t := range targets {
		t.Subscribe(conf.Name, c.queue.push)
	}
	return c, nil
}

// Start launches the event workers. They run until ctx is done or Close is
// called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.group != nil {
		return fmt.Errorf("client %s already started", c.conf.Name)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < c.conf.Workers; i++ {
		c.group.Go(func() error {
			return c.worker(ctx, cllock.NewEnv())
		})
	}
	Logger.Infof("client %s started with %d event workers", c.conf.Name, c.conf.Workers)
	return nil
}

// Close stops the event workers and waits for them.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	group, cancel := c.group, c.cancel
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	Logger.Infof("client %s stopped", c.conf.Name)
	return err
}

// Name returns the owner name of the client.
func (c *Client) Name() string { return c.conf.Name }

// Arena returns the lock arena of the client.
func (c *Client) Arena() *lov.Arena { return c.arena }

// Manager returns the generic lock manager of the client.
func (c *Client) Manager() *cllock.Manager { return c.mgr }

// Stats returns the statistics of the client.
func (c *Client) Stats() *Stats { return c.stats }

// --------------------------------------------------------------------------
// Objects
// --------------------------------------------------------------------------

// Open registers a striped file.
func (c *Client) Open(obj Object) error {
	if err := obj.Layout.Validate(); err != nil {
		return err
	}
	if obj.ID > stripe.FileObject(^uint64(0)) {
		return fmt.Errorf("object id %d too large", obj.ID)
	}
	c.objects.Store(obj.ID, obj)
	return nil
}

// Quarantined returns the reason obj was quarantined, or nil.
func (c *Client) Quarantined(obj uint64) error {
	err, _ := c.quarantined.Load(obj)
	return err
}

// quarantine disables obj after its lock hierarchy was found corrupt.
func (c *Client) quarantine(obj uint64, cause error) {
	if _, loaded := c.quarantined.LoadOrStore(obj, cause); loaded {
		return
	}
	c.stats.quarantines.Inc(1)
	Logger.Errorf("object %d quarantined: %v", obj, cause)
}

// supervise routes errors of coordination tasks. Invariant violations
// quarantine the affected object, everything else is returned.
func (c *Client) supervise(obj uint64, err error) error {
	if err == nil || !lov.IsInvariant(err) {
		return err
	}
	c.stats.fatal.Inc(1)
	c.quarantine(obj, err)
	return fmt.Errorf("%w: %w", ErrQuarantined, err)
}

func (c *Client) targetOf(obj Object, stripeIdx int) target.ITargetLockService {
	return c.targets[(obj.FirstTarget+stripeIdx)%len(c.targets)]
}

// --------------------------------------------------------------------------
// Grants
// --------------------------------------------------------------------------

// subFor returns a referenced sub-lock for grant g, creating it if the grant
// is not known yet or its sub-lock is already going away.
func (c *Client) subFor(g target.Grant, stripeIdx, targetIdx int) (*lov.SubLock, error) {
	var (
		sub *lov.SubLock
		err error
	)
	c.grants.Compute(g.ID, func(old *lov.SubLock, loaded bool) (*lov.SubLock, bool) {
		if loaded && c.mgr.TryGet(old.Lock()) {
			sub = old
			return old, false
		}
		sub, err = c.arena.NewSub(g.Descr, stripeIdx, targetIdx, g.ID)
		if err != nil {
			return old, !loaded
		}
		return sub, false
	})
	return sub, err
}

// releaseGrant is the lov releaser: it gives the grant of a canceled
// sub-lock back to its target.
func (c *Client) releaseGrant(_ *cllock.Env, sub *lov.SubLock) error {
	ok, err := c.targets[sub.Target()].Release(c.conf.Name, sub.Grant())
	if err != nil {
		return err
	}
	if !ok {
		Logger.Warningf("grant %s of sub-lock %d owned by another client", sub.Grant(), sub.ID())
	}
	return nil
}

// forgetGrant drops a finalized sub-lock from the grant index.
func (c *Client) forgetGrant(_ *cllock.Env, sub *lov.SubLock) {
	c.grants.Compute(sub.Grant(), func(cur *lov.SubLock, loaded bool) (*lov.SubLock, bool) {
		return cur, !loaded || cur == sub
	})
}
