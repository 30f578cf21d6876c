package ringqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFillAndDrain(t *testing.T) {
	q := New(4)
	assert.Equal(t, 4, q.Capacity())

	for _, v := range []uint64{1, 2, 3, 4} {
		assert.True(t, q.TryPush(v))
	}
	assert.False(t, q.TryPush(5))

	for _, want := range []uint64{1, 2, 3, 4} {
		got, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueRoundsCapacityUpToOne(t *testing.T) {
	q := New(0)
	assert.Equal(t, 1, q.Capacity())
}

func TestQueueOrdering(t *testing.T) {
	q := New(8)
	for i := uint64(0); i < 5; i++ {
		assert.True(t, q.TryPush(i + 100))
	}
	got, _ := q.Pop()
	assert.Equal(t, uint64(100), got)
	assert.True(t, q.TryPush(999))
	for _, want := range []uint64{101, 102, 103, 104, 999} {
		got, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestOverflowingEvictsOldest(t *testing.T) {
	o := NewOverflowing(2)
	evicted, did := o.Push(10)
	assert.False(t, did)
	assert.Zero(t, evicted)

	evicted, did = o.Push(20)
	assert.False(t, did)

	evicted, did = o.Push(30)
	assert.True(t, did)
	assert.Equal(t, uint64(10), evicted)

	got, ok := o.Pop()
	assert.True(t, ok)
	assert.Equal(t, uint64(20), got)

	got, ok = o.Pop()
	assert.True(t, ok)
	assert.Equal(t, uint64(30), got)

	_, ok = o.Pop()
	assert.False(t, ok)
}

func TestOverflowingNoEvictionWhenRoomAvailable(t *testing.T) {
	o := NewOverflowing(4)
	o.Push(1)
	o.Pop()
	_, did := o.Push(2)
	assert.False(t, did)
}
