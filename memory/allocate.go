package memory

import (
	"github.com/pkg/errors"
)

// NearRange is how far from an anchor AllocateNear will look. A page inside
// it is reachable from the anchor with a signed 32-bit displacement.
const NearRange = 0x7FFFFF00

// AllocateNear commits one page as close as possible to anchor. It walks
// outward one allocation unit at a time, trying the page above before the
// page below, until a page commits or both directions leave the reachable
// range.
func AllocateNear(s Space, anchor uintptr, prot Protection) (uintptr, error) {
	if anchor == 0 {
		return 0, ErrInvalidAddress
	}
	page := s.PageSize()
	step := page
	if g, ok := s.(granular); ok && g.AllocationGranularity() > step {
		step = g.AllocationGranularity()
	}
	lo, hi := s.Bounds()
	start := pageFloor(anchor, step)

	minAddr := lo
	if anchor > lo && anchor-lo > NearRange {
		minAddr = anchor - NearRange
	}
	maxAddr := hi
	if hi > anchor && hi-anchor > NearRange {
		maxAddr = anchor + NearRange
	}

	for off := step; ; off += step {
		high := start + off
		highOK := high > start && high <= maxAddr && maxAddr-high >= page-1
		lowOK := off < start && start-off >= minAddr
		if !highOK && !lowOK {
			return 0, errors.WithMessagef(ErrBadAllocation, "no free page within %#x of %#x", uintptr(NearRange), anchor)
		}
		if highOK {
			if p, err := s.Allocate(high, page, prot); err == nil {
				return p, nil
			}
		}
		if lowOK {
			if p, err := s.Allocate(start-off, page, prot); err == nil {
				return p, nil
			}
		}
	}
}

// Allocate commits one page wherever the space has room.
func Allocate(s Space, prot Protection) (uintptr, error) {
	p, err := s.Allocate(0, s.PageSize(), prot)
	if err != nil {
		return 0, errors.WithMessagef(ErrBadAllocation, "%v", err)
	}
	return p, nil
}
