package isofs

import (
	"fmt"
	"sort"
)

// extentAllocator hands out non-overlapping sector ranges. During a build
// pass allocation is strictly append-only from a monotonic cursor; during
// parsing, extents already fixed in the source image are registered with
// reserveAt and conflict-checked. The allocator belongs to one build session
// and is reset at the start of every serialization pass, which is what makes
// repeated builds of the same logical content byte-identical.
type extentAllocator struct {
	next     uint32
	reserved []extent // sorted by start sector
}

// newExtentAllocator starts allocating after the system area and the volume
// descriptor set; firstFree is the first data sector available.
func newExtentAllocator(firstFree uint32) *extentAllocator {
	return &extentAllocator{next: firstFree}
}

// reset rewinds the cursor and forgets all reservations. Called at the start
// of each build pass before extents are reassigned in canonical order.
func (a *extentAllocator) reset(firstFree uint32) {
	a.next = firstFree
	a.reserved = a.reserved[:0]
}

// allocate reserves the next free sector-aligned range large enough for
// byteLen bytes and advances the cursor. byteLen zero still consumes one
// sector: every structure occupies at least one.
func (a *extentAllocator) allocate(byteLen uint32) extent {
	e := extent{sector: a.next, byteLen: byteLen}
	a.next += e.sectors()
	a.insert(e)
	return e
}

// reserveAt records an extent already fixed in a source image. The cursor
// does not advance, but the range is checked against every prior
// reservation and the call fails with ErrOverlappingExtent on conflict.
func (a *extentAllocator) reserveAt(sector, byteLen uint32) (extent, error) {
	e := extent{sector: sector, byteLen: byteLen}
	if conflict, ok := a.findOverlap(e); ok {
		return extent{}, fmt.Errorf("sectors [%d,%d) collide with [%d,%d): %w",
			e.sector, e.end(), conflict.sector, conflict.end(), ErrOverlappingExtent)
	}
	a.insert(e)
	return e, nil
}

// highWater returns the first sector past everything allocated or reserved.
func (a *extentAllocator) highWater() uint32 {
	hw := a.next
	for _, e := range a.reserved {
		if e.end() > hw {
			hw = e.end()
		}
	}
	return hw
}

func (a *extentAllocator) insert(e extent) {
	i := sort.Search(len(a.reserved), func(i int) bool {
		return a.reserved[i].sector >= e.sector
	})
	a.reserved = append(a.reserved, extent{})
	copy(a.reserved[i+1:], a.reserved[i:])
	a.reserved[i] = e
}

func (a *extentAllocator) findOverlap(e extent) (extent, bool) {
	// Neighbors in the sorted slice are the only candidates.
	i := sort.Search(len(a.reserved), func(i int) bool {
		return a.reserved[i].sector >= e.sector
	})
	if i < len(a.reserved) && a.reserved[i].sector < e.end() {
		return a.reserved[i], true
	}
	if i > 0 && a.reserved[i-1].end() > e.sector {
		return a.reserved[i-1], true
	}
	return extent{}, false
}
