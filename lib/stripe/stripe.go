// Package stripe translates lock extents between the file-relative page space
// and the page space of a single stripe object.
//
// A file striped over Count objects stores its pages round-robin in runs of
// Size pages: pages [0, Size) live in stripe 0, [Size, 2*Size) in stripe 1 and
// so on, wrapping after Count runs. Seen from stripe idx, every run of Size
// own pages is followed by (Count-1)*Size pages that belong to the other
// stripes ("skip").
//
// All functions are pure. Arithmetic never wraps: a result that cannot be
// represented saturates to descr.EOF.
package stripe

import (
	"fmt"
	"math/bits"

	"github.com/ValentinKolb/dStripe/lib/descr"
)

// MaxCount is the largest supported stripe count.
const MaxCount = 1 << 16

// SubObject returns the id of the object that stores stripe idx of file obj.
func SubObject(obj uint64, idx int) uint64 {
	return obj<<16 | uint64(idx)
}

// FileObject returns the id of the file a stripe object belongs to.
func FileObject(sub uint64) uint64 {
	return sub >> 16
}

// Layout is the striping pattern of one file.
type Layout struct {
	Count uint32 // number of stripes
	Size  uint64 // stripe size in pages
}

// Validate checks that the layout can be used for mapping.
func (l Layout) Validate() error {
	if l.Count == 0 {
		return fmt.Errorf("invalid layout: stripe count must be at least 1")
	}
	if l.Count > MaxCount {
		return fmt.Errorf("invalid layout: stripe count %d exceeds %d", l.Count, MaxCount)
	}
	if l.Size == 0 {
		return fmt.Errorf("invalid layout: stripe size must be at least 1 page")
	}
	if hi, _ := bits.Mul64(l.Size, uint64(l.Count)); hi != 0 {
		return fmt.Errorf("invalid layout: %d stripes of %d pages overflow the page space", l.Count, l.Size)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d", l.Count, l.Size)
}

// StripeOf returns the index of the stripe that stores file page page.
func (l Layout) StripeOf(page uint64) int {
	if l.Count <= 1 {
		return 0
	}
	return int((page / l.Size) % uint64(l.Count))
}

// --------------------------------------------------------------------------
// Stripe -> File
// --------------------------------------------------------------------------

// MapExtent maps the stripe-relative extent of d within stripe idx to file
// relative offsets. Both ends are shifted by floor(offset/Size)*skip + idx*Size.
// An EOF end stays EOF, an end that would overflow becomes EOF.
func (l Layout) MapExtent(d descr.Descr, idx int) descr.Descr {
	if l.Count <= 1 {
		return d
	}
	start := l.toFile(d.Start, idx)
	end := descr.EOF
	if d.End != descr.EOF {
		end = l.toFile(d.End, idx)
	}
	return d.WithExtent(start, end)
}

// toFile converts one stripe page, saturating at EOF.
func (l Layout) toFile(off uint64, idx int) uint64 {
	skip := uint64(l.Count-1) * l.Size

	hi, shift := bits.Mul64(off/l.Size, skip)
	if hi != 0 {
		return descr.EOF
	}
	hi, base := bits.Mul64(uint64(idx), l.Size)
	if hi != 0 {
		return descr.EOF
	}
	shift, carry := bits.Add64(shift, base, 0)
	if carry != 0 {
		return descr.EOF
	}
	res, carry := bits.Add64(off, shift, 0)
	if carry != 0 {
		return descr.EOF
	}
	return res
}

// --------------------------------------------------------------------------
// File -> Stripe
// --------------------------------------------------------------------------

// UnmapExtent is the inverse of MapExtent: it returns the part of the file
// extent d that is stored in stripe idx, in stripe-relative offsets. The
// boolean is false if d does not touch stripe idx at all.
func (l Layout) UnmapExtent(d descr.Descr, idx int) (descr.Descr, bool) {
	if l.Count <= 1 {
		return d, true
	}
	start, ok := l.toStripe(d.Start, idx, true)
	if !ok {
		return descr.Descr{}, false
	}
	end := descr.EOF
	if d.End != descr.EOF {
		if end, ok = l.toStripe(d.End, idx, false); !ok {
			return descr.Descr{}, false
		}
	}
	if start > end {
		return descr.Descr{}, false
	}
	return d.WithExtent(start, end), true
}

// toStripe converts file page f to stripe idx. If f belongs to another stripe
// the next (roundUp) or previous page of stripe idx is used instead.
func (l Layout) toStripe(f uint64, idx int, roundUp bool) (uint64, bool) {
	width := l.Size * uint64(l.Count)
	chunk := f / width
	off := f % width
	lo := uint64(idx) * l.Size
	hi := lo + l.Size - 1

	switch {
	case off < lo:
		if roundUp {
			return chunk * l.Size, true
		}
		if chunk == 0 {
			return 0, false
		}
		return chunk*l.Size - 1, true
	case off > hi:
		if roundUp {
			return (chunk + 1) * l.Size, true
		}
		return chunk*l.Size + l.Size - 1, true
	default:
		return chunk*l.Size + off - lo, true
	}
}

// Stripes returns the indexes of all stripes that store at least one page of d,
// in ascending order.
func (l Layout) Stripes(d descr.Descr) []int {
	if l.Count <= 1 {
		return []int{0}
	}
	var res []int
	for idx := 0; idx < int(l.Count); idx++ {
		if _, ok := l.UnmapExtent(d, idx); ok {
			res = append(res, idx)
		}
	}
	return res
}
