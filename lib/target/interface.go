package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dStripe/lib/descr"
)

var (
	// ErrNotFound is returned for operations on grants the target does not know.
	ErrNotFound = errors.New("target: grant not found")
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("target: invalid request")
)

// Grant is a lock on a stripe object handed out by a target.
type Grant struct {
	ID    string      // unique id (uuid)
	Owner string      // owner the grant was issued to
	Descr descr.Descr // granted extent, at least the requested one
}

func (g Grant) String() string {
	return fmt.Sprintf("grant %s (%s) %s", g.ID, g.Owner, g.Descr)
}

// EventKind tells what happened to a grant.
type EventKind int

const (
	EventRevoked  EventKind = iota // a conflicting request took the grant away
	EventEvicted                   // the grant was dropped from the cache of the target
	EventModified                  // the target changed the extent of the grant
	EventFailed                    // the target failed the grant
)

func (k EventKind) String() string {
	switch k {
	case EventRevoked:
		return "revoked"
	case EventEvicted:
		return "evicted"
	case EventModified:
		return "modified"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event notifies an owner about a change of one of its grants.
type Event struct {
	Kind    EventKind
	Target  int         // index of the target
	GrantID string      // affected grant
	Descr   descr.Descr // extent of the grant (the new one for EventModified)
	Err     error       // cause, set for EventFailed
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s@%d %s %s: %v", e.Kind, e.Target, e.GrantID, e.Descr, e.Err)
	}
	return fmt.Sprintf("%s@%d %s %s", e.Kind, e.Target, e.GrantID, e.Descr)
}

// EventSink receives events of one owner. It is called without any target
// lock held but must not block.
type EventSink func(ev Event)

// ITargetLockService is the lock service of one storage target.
type ITargetLockService interface {
	// Index returns the index of the target.
	Index() int

	// Subscribe registers the event sink of owner, replacing an earlier one.
	Subscribe(owner string, sink EventSink)

	// Enqueue grants d to owner. An existing grant of owner that covers d is
	// returned instead of a new one. Grants of other owners that conflict with
	// d are revoked.
	Enqueue(ctx context.Context, owner string, d descr.Descr) (Grant, error)

	// Match returns a grant of owner that covers d, without creating one.
	Match(owner string, d descr.Descr) (Grant, bool)

	// Release gives the grant id back. It returns false if the grant belongs
	// to somebody else. Releasing an unknown grant succeeds.
	Release(owner, id string) (ok bool, err error)

	// Revoke takes a grant away from its owner.
	Revoke(id string) error

	// Modify changes the extent of a grant and notifies its owner.
	Modify(id string, d descr.Descr) error

	// Fail reports err to the owner of a grant.
	Fail(id string, err error) error

	// Grants returns all grants ordered by object and start.
	Grants() []Grant

	// Len returns the number of grants.
	Len() int
}
