package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcfabric/shmipc/pkg/shmem"
)

func TestOpenOrCreateRunsInitializerOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.shm")
	var initRuns int

	s1, err := OpenOrCreate(path, 64, FormatVersion(1), time.Second, func(payload []byte) error {
		initRuns++
		copy(payload, []byte("hello"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, s1.Created)
	assert.Equal(t, "hello", string(s1.Payload()[:5]))
	defer s1.Close()

	s2, err := OpenOrCreate(path, 64, FormatVersion(1), time.Second, func(payload []byte) error {
		initRuns++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, s2.Created)
	assert.Equal(t, "hello", string(s2.Payload()[:5]))
	assert.Equal(t, 1, initRuns, "initializer must run only for the creator")
	s2.Close()
}

func TestOpenOrCreateDetectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.shm")

	s1, err := OpenOrCreate(path, 16, FormatVersion(1), time.Second, func([]byte) error { return nil })
	require.NoError(t, err)
	defer s1.Close()

	_, err = OpenOrCreate(path, 16, FormatVersion(2), time.Second, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestOpenOrCreateTimesOutWhenNeverFinalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.shm")

	// Simulate a creator that crashed mid-initialization: create the
	// backing region directly and never publish the "initialized" fence.
	region, err := shmem.OpenOrCreate(path, headerSize+16)
	require.NoError(t, err)
	defer region.Close()

	_, err = OpenOrCreate(path, 16, FormatVersion(1), 20*time.Millisecond, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrInitializationNotYetFinalized)
}

func TestOpenFailsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.shm")
	_, err := Open(path, 16, FormatVersion(1), time.Second)
	assert.ErrorIs(t, err, shmem.ErrDoesNotExist)
}
