// Package descr defines the lock descriptor shared by both tiers of the lock
// hierarchy: a page range plus an access mode over one object.
//
// A descriptor is a plain value. It is never mutated after construction, a
// changed lock extent is always expressed as a new descriptor.
package descr

import (
	"fmt"
	"math"
)

// EOF is the end offset sentinel meaning "to the end of the object".
const EOF uint64 = math.MaxUint64

// --------------------------------------------------------------------------
// Access Mode
// --------------------------------------------------------------------------

// Mode is the access mode of a lock.
type Mode uint8

const (
	ModeRead  Mode = iota // shared access
	ModeWrite             // exclusive access
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "R"
	case ModeWrite:
		return "W"
	default:
		return "?"
	}
}

// ParseMode converts "read"/"r" and "write"/"w" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "read", "r", "R":
		return ModeRead, nil
	case "write", "w", "W":
		return ModeWrite, nil
	default:
		return ModeRead, fmt.Errorf("invalid lock mode %q (expected read or write)", s)
	}
}

// ModeMatch returns whether a lock held in mode has satisfies a request for mode need.
// A write lock satisfies both read and write requests.
func ModeMatch(has, need Mode) bool {
	return has == need || has == ModeWrite
}

// --------------------------------------------------------------------------
// Descriptor
// --------------------------------------------------------------------------

// Descr describes a lock: the inclusive page range [Start, End] of object Obj
// in the given Mode. End == EOF covers everything from Start on.
type Descr struct {
	Obj   uint64
	Start uint64
	End   uint64
	Mode  Mode
}

// New creates a descriptor. It returns an error if start is beyond end.
func New(obj, start, end uint64, mode Mode) (Descr, error) {
	if start > end {
		return Descr{}, fmt.Errorf("invalid extent [%d, %d]: start beyond end", start, end)
	}
	return Descr{Obj: obj, Start: start, End: end, Mode: mode}, nil
}

// Whole returns a descriptor covering all of obj.
func Whole(obj uint64, mode Mode) Descr {
	return Descr{Obj: obj, Start: 0, End: EOF, Mode: mode}
}

// Equal reports exact equality of all fields.
func (d Descr) Equal(o Descr) bool {
	return d == o
}

// Overlaps reports whether both descriptors lock at least one common page of the same object.
func (d Descr) Overlaps(o Descr) bool {
	return d.Obj == o.Obj && d.Start <= o.End && o.Start <= d.End
}

// Conflicts reports whether two locks cannot be held at the same time by different owners.
func (d Descr) Conflicts(o Descr) bool {
	return d.Overlaps(o) && (d.Mode == ModeWrite || o.Mode == ModeWrite)
}

// Pages returns the number of pages covered, saturating at math.MaxUint64.
func (d Descr) Pages() uint64 {
	if d.Start == 0 && d.End == EOF {
		return math.MaxUint64
	}
	return d.End - d.Start + 1
}

// WithExtent returns a copy of d with a different page range.
func (d Descr) WithExtent(start, end uint64) Descr {
	d.Start = start
	d.End = end
	return d
}

// Hull returns the smallest extent of d's object and mode that covers both d and o.
func (d Descr) Hull(o Descr) Descr {
	return d.WithExtent(min(d.Start, o.Start), max(d.End, o.End))
}

func (d Descr) String() string {
	end := "EOF"
	if d.End != EOF {
		end = fmt.Sprintf("%d", d.End)
	}
	return fmt.Sprintf("%d:%s[%d-%s]", d.Obj, d.Mode, d.Start, end)
}

// ExtMatch reports whether a lock described by has can serve a request
// described by need: same object, has covers the whole extent of need and its
// mode satisfies need's mode.
func ExtMatch(has, need Descr) bool {
	return has.Obj == need.Obj &&
		has.Start <= need.Start && has.End >= need.End &&
		ModeMatch(has.Mode, need.Mode)
}
