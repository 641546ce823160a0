// Package sim runs a randomized concurrent workload of striped file locks
// against in-memory targets and injects target faults (revocations, extent
// changes and failures) while it runs. It is used by the dstripe CLI to
// exercise the lock hierarchy and to check its invariants afterwards.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dStripe/lib/client"
	"github.com/ValentinKolb/dStripe/lib/cllock"
	"github.com/ValentinKolb/dStripe/lib/common"
	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/ValentinKolb/dStripe/lib/target"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("sim")

// shrinkEvery is the number of operations between two shrinks of a client.
const shrinkEvery = 64

// Result summarizes a run.
type Result struct {
	Ops         int64         `json:"ops"`
	Locks       int64         `json:"locks"`
	Lost        int64         `json:"lost"`
	Busy        int64         `json:"busy"`
	Errors      int64         `json:"errors"`
	Faults      int64         `json:"faults"`
	Shrunk      int64         `json:"shrunk"`
	Quarantined int64         `json:"quarantined"`
	Duration    time.Duration `json:"duration"`
}

// String returns a formatted string representation of the result
func (r Result) String() string {
	var sb strings.Builder
	addField := func(name string, value any) {
		sb.WriteString(fmt.Sprintf("  %-22s: %v\n", name, value))
	}
	sb.WriteString("RESULT\n")
	addField("Operations", r.Ops)
	addField("Locks Granted", r.Locks)
	addField("Locks Lost", r.Lost)
	addField("Busy", r.Busy)
	addField("Errors", r.Errors)
	addField("Faults Injected", r.Faults)
	addField("Sub-Locks Shrunk", r.Shrunk)
	addField("Quarantined Objects", r.Quarantined)
	addField("Duration", r.Duration.Round(time.Millisecond))
	if r.Duration > 0 {
		addField("Ops/s", fmt.Sprintf("%.0f", float64(r.Ops)/r.Duration.Seconds()))
	}
	return sb.String()
}

type counters struct {
	ops, locks, lost, busy, errors, faults, shrunk atomic.Int64
}

// Simulation owns the targets and clients of a workload.
type Simulation struct {
	conf    common.SimConfig
	targets []target.ITargetLockService
	clients []*client.Client
	cnt     counters
}

// New creates the targets and clients described by conf and cc. The client
// name in cc is used as prefix, clients are numbered.
func New(conf common.SimConfig, cc common.ClientConfig) (*Simulation, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{conf: conf}
	for i := 0; i < cc.Targets; i++ {
		s.targets = append(s.targets, target.NewMemTarget(i, target.Options{
			Capacity:  cc.TargetCapacity,
			GrowToEOF: cc.GrowToEOF,
		}))
	}

	prefix := cc.Name
	for i := 0; i < conf.Clients; i++ {
		cc.Name = fmt.Sprintf("%s-%d", prefix, i)
		c, err := client.New(cc, s.targets)
		if err != nil {
			return nil, err
		}
		for f := 0; f < conf.Files; f++ {
			obj := client.Object{
				ID:          uint64(f + 1),
				Layout:      stripe.Layout{Count: conf.StripeCount, Size: conf.StripeSize},
				FirstTarget: f % cc.Targets,
			}
			if err := c.Open(obj); err != nil {
				return nil, err
			}
		}
		s.clients = append(s.clients, c)
	}
	return s, nil
}

// Clients returns the clients of the simulation.
func (s *Simulation) Clients() []*client.Client { return s.clients }

// Targets returns the targets of the simulation.
func (s *Simulation) Targets() []target.ITargetLockService { return s.targets }

// Progress returns the counters of the run so far.
func (s *Simulation) Progress() Result {
	return Result{
		Ops:    s.cnt.ops.Load(),
		Locks:  s.cnt.locks.Load(),
		Lost:   s.cnt.lost.Load(),
		Busy:   s.cnt.busy.Load(),
		Errors: s.cnt.errors.Load(),
		Faults: s.cnt.faults.Load(),
		Shrunk: s.cnt.shrunk.Load(),
	}
}

// Run starts the clients and the workload and waits until every goroutine
// has finished its operations, or ctx is done when Ops is 0. Afterwards the
// clients are drained, audited and closed.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	// event workers outlive ctx until the clients are drained
	for _, c := range s.clients {
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			return Result{}, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for ci, c := range s.clients {
		for w := 0; w < s.conf.Goroutines; w++ {
			seed := s.conf.Seed + int64(ci*s.conf.Goroutines+w)
			g.Go(func() error {
				return s.worker(gctx, c, rand.New(rand.NewSource(seed)))
			})
		}
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	errs := []error{runErr}
	for _, c := range s.clients {
		errs = append(errs, s.finish(c))
	}

	res := s.Progress()
	res.Duration = time.Since(start)
	for _, c := range s.clients {
		for f := 0; f < s.conf.Files; f++ {
			if c.Quarantined(uint64(f+1)) != nil {
				res.Quarantined++
			}
		}
	}
	Logger.Infof("simulation finished: %d ops, %d faults, %d quarantined", res.Ops, res.Faults, res.Quarantined)
	return res, errors.Join(errs...)
}

// finish drains, audits and closes c.
func (s *Simulation) finish(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := c.Sync(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Check(cllock.NewEnv()); err != nil {
		errs = append(errs, fmt.Errorf("client %s: %w", c.Name(), err))
	}
	if err := c.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// worker runs the operations of one goroutine.
func (s *Simulation) worker(ctx context.Context, c *client.Client, r *rand.Rand) error {
	env := cllock.NewEnv()
	for i := 0; s.conf.Ops == 0 || i < s.conf.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.op(ctx, env, c, r); err != nil {
			return err
		}
		if i%shrinkEvery == shrinkEvery-1 {
			n, err := c.Shrink(env, 0)
			s.cnt.shrunk.Add(int64(n))
			if err != nil {
				Logger.Warningf("shrink of client %s: %v", c.Name(), err)
			}
		}
		if n := env.NrMutexed(); n != 0 {
			return fmt.Errorf("client %s leaked %d lock mutexes", c.Name(), n)
		}
	}
	return nil
}

// op locks a random range, touches it, maybe injects a fault and unlocks.
func (s *Simulation) op(ctx context.Context, env *cllock.Env, c *client.Client, r *rand.Rand) error {
	s.cnt.ops.Add(1)
	obj := uint64(r.Intn(s.conf.Files) + 1)
	d := s.randomRange(r)

	h, err := c.Lock(ctx, env, obj, d)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cnt.busy.Add(1)
		return nil
	case errors.Is(err, client.ErrBusy):
		s.cnt.busy.Add(1)
		return nil
	default:
		s.cnt.errors.Add(1)
		Logger.Debugf("lock %s of object %d: %v", d, obj, err)
		return nil
	}
	s.cnt.locks.Add(1)
	h.Touch(d.Pages())

	if r.Float64() < s.conf.FaultRatio {
		s.inject(r)
	}

	if err := c.Unlock(env, h); err != nil {
		if errors.Is(err, client.ErrQuarantined) {
			s.cnt.errors.Add(1)
		} else {
			s.cnt.lost.Add(1)
		}
		Logger.Debugf("unlock %s of object %d: %v", d, obj, err)
	}
	return nil
}

func (s *Simulation) randomRange(r *rand.Rand) descr.Descr {
	n := uint64(r.Int63n(int64(s.conf.MaxPages))) + 1
	start := uint64(r.Int63n(int64(s.conf.FilePages)))
	mode := descr.ModeRead
	if r.Float64() < s.conf.WriteRatio {
		mode = descr.ModeWrite
	}
	return descr.Descr{Start: start, End: start + n - 1, Mode: mode}
}

// inject applies a random fault to a random grant of a random target.
func (s *Simulation) inject(r *rand.Rand) {
	t := s.targets[r.Intn(len(s.targets))]
	grants := t.Grants()
	if len(grants) == 0 {
		return
	}
	g := grants[r.Intn(len(grants))]

	var err error
	switch p := r.Float64(); {
	case p < 0.6:
		err = t.Revoke(g.ID)
	case p < 0.9:
		d := g.Descr
		if d.End != descr.EOF {
			d.End += s.conf.StripeSize
			if d.End < g.Descr.End {
				d.End = descr.EOF
			}
		}
		err = t.Modify(g.ID, d)
	default:
		err = t.Fail(g.ID, fmt.Errorf("injected failure of grant %s", g.ID))
	}
	if err != nil {
		// the grant went away meanwhile
		Logger.Debugf("fault on %s: %v", g, err)
		return
	}
	s.cnt.faults.Add(1)
}

// Dump prints the lock tables of every client.
func (s *Simulation) Dump(w io.Writer) {
	env := cllock.NewEnv()
	for _, c := range s.clients {
		c.Dump(env, w)
	}
}
