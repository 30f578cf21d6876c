package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocatorSetup(t *testing.T) {
	a := New(16, 32, 4, 0)
	assert.Equal(t, 16, a.NumberOfBuckets())
	assert.EqualValues(t, 0, a.RelativeStartAddress())
	assert.EqualValues(t, 32, a.BucketSize())
	assert.EqualValues(t, 4, a.MaxAlignment())
}

func TestAllocateReturnsBucketAlignedOffsets(t *testing.T) {
	a := New(16, 32, 4, 128)
	seen := map[uint64]bool{}
	for i := 0; i < a.NumberOfBuckets(); i++ {
		offset, err := a.Allocate(Layout{Size: 32, Align: 4})
		assert.NoError(t, err)
		assert.Zero(t, (offset-a.RelativeStartAddress())%a.BucketSize())
		assert.False(t, seen[offset], "offset handed out twice while both on loan")
		seen[offset] = true
	}

	_, err := a.Allocate(Layout{Size: 32, Align: 4})
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocateRejectsOversizedOrMisalignedLayout(t *testing.T) {
	a := New(4, 32, 4, 0)
	_, err := a.Allocate(Layout{Size: 64, Align: 4})
	assert.ErrorIs(t, err, ErrExceedsMaxSupportedAlignment)

	_, err = a.Allocate(Layout{Size: 32, Align: 8})
	assert.ErrorIs(t, err, ErrExceedsMaxSupportedAlignment)
}

func TestAllocateAndReleaseAllBucketsRepeatedly(t *testing.T) {
	const repetitions = 10
	a := New(8, 32, 4, 0)
	layout := Layout{Size: 32, Align: 4}

	for r := 0; r < repetitions; r++ {
		offsets := make([]uint64, 0, a.NumberOfBuckets())
		seen := map[uint64]bool{}
		for i := 0; i < a.NumberOfBuckets(); i++ {
			offset, err := a.Allocate(layout)
			assert.NoError(t, err)
			assert.False(t, seen[offset])
			seen[offset] = true
			offsets = append(offsets, offset)
		}
		_, err := a.Allocate(layout)
		assert.ErrorIs(t, err, ErrOutOfMemory)

		for _, offset := range offsets {
			a.Deallocate(offset, layout)
		}
	}
}

func TestAllocateTwiceReleaseOnceUntilExhausted(t *testing.T) {
	const repetitions = 10
	a := New(8, 16, 4, 0)
	layout := Layout{Size: 16, Align: 4}

	for r := 0; r < repetitions; r++ {
		held := []uint64{}
		for i := 0; i < a.NumberOfBuckets()-1; i++ {
			first, err := a.Allocate(layout)
			assert.NoError(t, err)
			second, err := a.Allocate(layout)
			assert.NoError(t, err)
			a.Deallocate(first, layout)
			held = append(held, second)
		}
		last, err := a.Allocate(layout)
		assert.NoError(t, err)
		held = append(held, last)

		_, err = a.Allocate(layout)
		assert.ErrorIs(t, err, ErrOutOfMemory)

		for _, offset := range held {
			a.Deallocate(offset, layout)
		}
	}
}

func TestBucketIndexRoundTrip(t *testing.T) {
	a := New(8, 64, 8, 256)
	offset, err := a.Allocate(Layout{Size: 64, Align: 8})
	assert.NoError(t, err)
	idx := a.BucketIndex(offset)
	assert.Equal(t, offset, a.RelativeStartAddress()+uint64(idx)*a.BucketSize())
}
