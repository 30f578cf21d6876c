package connection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcfabric/shmipc"
	"github.com/ipcfabric/shmipc/pkg/config"
	"github.com/ipcfabric/shmipc/pkg/shmem"
)

func freshBuilder(t *testing.T, name string, cfg *config.Config) *Builder {
	t.Helper()
	return NewBuilder(name).WithConfig(cfg).WithRoot(t.TempDir())
}

func offsetAt(i uint64) shmipc.PointerOffset { return shmipc.NewPointerOffset(0, i*64) }

// Scenario 1: fill and drain (spec.md §8).
func TestFillAndDrain(t *testing.T) {
	cfg := config.Default().WithBufferSize(4).WithMaxBorrowedSamples(2).WithSafeOverflow(false)
	b := freshBuilder(t, "fill-drain", cfg)

	sender, err := b.OpenSender()
	require.NoError(t, err)
	receiver, err := b.OpenReceiver()
	require.NoError(t, err)

	a, bb, c, d := offsetAt(0), offsetAt(1), offsetAt(2), offsetAt(3)
	for _, o := range []shmipc.PointerOffset{a, bb, c, d} {
		_, didEvict, err := sender.TrySend(o, 64)
		require.NoError(t, err)
		assert.False(t, didEvict)
	}

	_, _, err = sender.TrySend(offsetAt(4), 64)
	assert.ErrorIs(t, err, ErrReceiveBufferFull)

	got1, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got1)

	got2, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bb, got2)

	require.NoError(t, receiver.Release(a))

	reclaimed, ok, err := sender.Reclaim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, reclaimed)

	_, didEvict, err := sender.TrySend(offsetAt(4), 64)
	require.NoError(t, err)
	assert.False(t, didEvict)

	got3, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got3)

	_, ok, err = sender.Reclaim()
	require.NoError(t, err)
	assert.False(t, ok)
}

// Scenario 2: safe overflow replaces oldest (spec.md §8).
func TestSafeOverflowReplacesOldest(t *testing.T) {
	cfg := config.Default().WithBufferSize(2).WithSafeOverflow(true)
	b := freshBuilder(t, "safe-overflow", cfg)

	sender, err := b.OpenSender()
	require.NoError(t, err)
	receiver, err := b.OpenReceiver()
	require.NoError(t, err)

	a, bb, c := offsetAt(0), offsetAt(1), offsetAt(2)

	_, didEvict, err := sender.TrySend(a, 64)
	require.NoError(t, err)
	assert.False(t, didEvict)
	_, didEvict, err = sender.TrySend(bb, 64)
	require.NoError(t, err)
	assert.False(t, didEvict)

	evicted, didEvict, err := sender.TrySend(c, 64)
	require.NoError(t, err)
	require.True(t, didEvict)
	assert.Equal(t, a, evicted)

	got1, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bb, got1)

	got2, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got2)
}

// Scenario 3: borrow cap (spec.md §8).
func TestBorrowCap(t *testing.T) {
	cfg := config.Default().WithBufferSize(4).WithMaxBorrowedSamples(1)
	b := freshBuilder(t, "borrow-cap", cfg)

	sender, err := b.OpenSender()
	require.NoError(t, err)
	receiver, err := b.OpenReceiver()
	require.NoError(t, err)

	a, bb := offsetAt(0), offsetAt(1)
	_, _, err = sender.TrySend(a, 64)
	require.NoError(t, err)
	_, _, err = sender.TrySend(bb, 64)
	require.NoError(t, err)

	got, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)

	_, _, err = receiver.Receive()
	assert.ErrorIs(t, err, ErrReceiveWouldExceedMaxBorrowValue)

	require.NoError(t, receiver.Release(a))
	got2, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bb, got2)
}

// At-most-one port of each kind (spec.md §8).
func TestAtMostOnePortOfEachKind(t *testing.T) {
	cfg := config.Default()
	b := freshBuilder(t, "single-port", cfg)

	_, err := b.OpenSender()
	require.NoError(t, err)
	_, err = b.OpenSender()
	assert.ErrorIs(t, err, shmipc.ErrAlreadyConnected)

	_, err = b.OpenReceiver()
	require.NoError(t, err)
	_, err = b.OpenReceiver()
	assert.ErrorIs(t, err, shmipc.ErrAlreadyConnected)
}

// Double send is a bug (spec.md §8, scenario 6): the used-chunk-list
// assertion fails without an intervening reclaim.
func TestDoubleSendFailsUsedChunkListAssertion(t *testing.T) {
	cfg := config.Default().WithBufferSize(4).WithSafeOverflow(false)
	b := freshBuilder(t, "double-send", cfg)

	sender, err := b.OpenSender()
	require.NoError(t, err)

	a := offsetAt(0)
	_, _, err = sender.TrySend(a, 64)
	require.NoError(t, err)

	_, _, err = sender.TrySend(a, 64)
	assert.ErrorIs(t, err, ErrUsedChunkListFull)
}

// Cleanup on drop (spec.md §8): releasing both ports removes the
// backing storage regardless of release order.
func TestCleanupOnDropEitherOrder(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()

	b := freshBuilder(t, "cleanup", cfg)
	b.Root = root
	sender, err := b.OpenSender()
	require.NoError(t, err)
	receiver, err := b.OpenReceiver()
	require.NoError(t, err)

	path := filepath.Join(root, "cleanup.rx")
	assert.True(t, shmem.Exists(path))

	assert.False(t, receiver.ReleasePort())
	assert.True(t, sender.ReleasePort())
	assert.False(t, shmem.Exists(path))

	// Reverse order: sender first, then receiver.
	b2 := freshBuilder(t, "cleanup-reverse", cfg)
	b2.Root = root
	sender2, err := b2.OpenSender()
	require.NoError(t, err)
	receiver2, err := b2.OpenReceiver()
	require.NoError(t, err)

	path2 := filepath.Join(root, "cleanup-reverse.rx")
	assert.True(t, shmem.Exists(path2))

	assert.False(t, sender2.ReleasePort())
	assert.True(t, receiver2.ReleasePort())
	assert.False(t, shmem.Exists(path2))
}

// Incompatible configuration on a second opener (spec.md §4.5).
func TestIncompatibleBufferSizeOnSecondOpen(t *testing.T) {
	root := t.TempDir()
	cfgA := config.Default().WithBufferSize(4)
	_, err := NewBuilder("mismatch").WithConfig(cfgA).WithRoot(root).OpenSender()
	require.NoError(t, err)

	cfgB := config.Default().WithBufferSize(8)
	_, err = NewBuilder("mismatch").WithConfig(cfgB).WithRoot(root).OpenReceiver()
	assert.ErrorIs(t, err, ErrIncompatibleBufferSize)
}
