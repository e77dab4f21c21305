package isofs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorAppendOnly(t *testing.T) {
	a := newExtentAllocator(16)

	e1 := a.allocate(SectorSize)
	assert.Equal(t, uint32(16), e1.sector)

	e2 := a.allocate(3 * SectorSize)
	assert.Equal(t, uint32(17), e2.sector)

	// Zero bytes still occupy one sector.
	e3 := a.allocate(0)
	assert.Equal(t, uint32(20), e3.sector)
	assert.Equal(t, uint32(1), e3.sectors())

	assert.Equal(t, uint32(21), a.highWater())
}

func TestAllocatorReserveAtConflict(t *testing.T) {
	a := newExtentAllocator(16)
	_, err := a.reserveAt(30, 2*SectorSize)
	require.NoError(t, err)

	_, err = a.reserveAt(31, SectorSize)
	assert.ErrorIs(t, err, ErrOverlappingExtent)

	_, err = a.reserveAt(29, 2*SectorSize)
	assert.ErrorIs(t, err, ErrOverlappingExtent)

	// Adjacent ranges do not conflict.
	_, err = a.reserveAt(32, SectorSize)
	require.NoError(t, err)
	_, err = a.reserveAt(28, SectorSize)
	require.NoError(t, err)

	assert.Equal(t, uint32(33), a.highWater())
}

func TestAllocatorReset(t *testing.T) {
	a := newExtentAllocator(16)
	a.allocate(SectorSize)
	a.allocate(SectorSize)

	a.reset(16)
	e := a.allocate(SectorSize)
	assert.Equal(t, uint32(16), e.sector)
}

func TestSectorsForBytes(t *testing.T) {
	assert.Equal(t, uint32(1), sectorsForBytes(0))
	assert.Equal(t, uint32(1), sectorsForBytes(1))
	assert.Equal(t, uint32(1), sectorsForBytes(SectorSize))
	assert.Equal(t, uint32(2), sectorsForBytes(SectorSize+1))
}
