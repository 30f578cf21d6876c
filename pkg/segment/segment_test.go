package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcfabric/shmipc/pkg/pool"
)

func TestStaticSegmentZeroCopyRoundTrip(t *testing.T) {
	// A View opens segment id N at "<prefix>.N", so segment 0 lives at
	// path+".0".
	path := filepath.Join(t.TempDir(), "segment.shm")
	s, err := CreateStatic(path+".0", 0, 4, 64, 8)
	require.NoError(t, err)
	defer s.Close()

	offset, err := s.Allocator().Allocate(pool.Layout{Size: 64, Align: 8})
	require.NoError(t, err)

	copy(s.Bucket(offset, 64), []byte("zero-copy-payload"))

	view := NewView(path)
	defer view.Close()

	got, err := view.RegisterAndTranslateOffset(0, offset, 64)
	require.NoError(t, err)
	assert.Equal(t, "zero-copy-payload", string(got[:len("zero-copy-payload")]))
}

func TestViewOpensLazilyAndCachesRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.shm")
	s, err := CreateStatic(path+".0", 0, 2, 32, 8)
	require.NoError(t, err)
	defer s.Close()

	view := NewView(path)
	defer view.Close()

	_, err = view.RegisterAndTranslateOffset(0, 0, 32)
	require.NoError(t, err)
	assert.Len(t, view.regions, 1)

	_, err = view.RegisterAndTranslateOffset(0, 0, 32)
	require.NoError(t, err)
	assert.Len(t, view.regions, 1, "second translate must reuse the cached mapping")
}

func TestViewMissingSegmentFails(t *testing.T) {
	view := NewView(filepath.Join(t.TempDir(), "no-such-prefix"))
	defer view.Close()
	_, err := view.RegisterAndTranslateOffset(0, 0, 32)
	assert.ErrorIs(t, err, ErrSharedMemoryOpen)
}

func TestDynamicGrowAssignsFreshSegmentIDs(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "segment.shm")
	d := NewDynamic(prefix, 8)
	defer d.Close()

	s0, err := d.Grow(4, 64)
	require.NoError(t, err)
	s1, err := d.Grow(4, 128)
	require.NoError(t, err)

	assert.EqualValues(t, 0, s0.ID())
	assert.EqualValues(t, 1, s1.ID())
	assert.Equal(t, 2, d.NumberOfSegments())
	assert.Same(t, s1, d.Segment(1))
}
