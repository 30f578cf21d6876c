package chunkset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertRemove(t *testing.T) {
	s := New(128)
	assert.True(t, s.Insert(5))
	assert.False(t, s.Insert(5))
	assert.True(t, s.Contains(5))

	assert.True(t, s.Remove(5))
	assert.False(t, s.Remove(5))
	assert.False(t, s.Contains(5))
}

func TestInsertAcrossWords(t *testing.T) {
	s := New(200)
	assert.True(t, s.Insert(0))
	assert.True(t, s.Insert(63))
	assert.True(t, s.Insert(64))
	assert.True(t, s.Insert(199))
	assert.True(t, s.Contains(63))
	assert.True(t, s.Contains(64))
	assert.True(t, s.Contains(199))
}

func TestRemoveAllDrains(t *testing.T) {
	s := New(130)
	for _, i := range []int{1, 2, 64, 65, 129} {
		s.Insert(i)
	}
	var drained []int
	s.RemoveAll(func(i int) { drained = append(drained, i) })
	sort.Ints(drained)
	assert.Equal(t, []int{1, 2, 64, 65, 129}, drained)

	for _, i := range []int{1, 2, 64, 65, 129} {
		assert.False(t, s.Contains(i))
	}

	// The set is empty now; RemoveAll is a no-op.
	called := false
	s.RemoveAll(func(int) { called = true })
	assert.False(t, called)
}
