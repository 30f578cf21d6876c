package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoesNotExistBeforeAnyGuard(t *testing.T) {
	root := t.TempDir()
	state, err := Observe(root, "node-a")
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, state)
}

func TestAliveWhileGuardHeld(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-b")
	require.NoError(t, err)
	defer guard.Release()

	state, err := Observe(root, "node-b")
	require.NoError(t, err)
	assert.Equal(t, StateAlive, state)
}

func TestDeadAfterGuardReleased(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-c")
	require.NoError(t, err)
	require.NoError(t, guard.Release())

	state, err := Observe(root, "node-c")
	require.NoError(t, err)
	assert.Equal(t, StateDead, state)
}

func TestSecondGuardRefusedWhileFirstAlive(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-d")
	require.NoError(t, err)
	defer guard.Release()

	_, err = NewProcessGuard(root, "node-d")
	assert.Error(t, err)
}

func TestCleanerRequiresDeadState(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-e")
	require.NoError(t, err)
	defer guard.Release()

	_, err = AcquireCleaner(root, "node-e")
	assert.Error(t, err)
}

func TestCleanerRemovesResourcesAfterDeath(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-f")
	require.NoError(t, err)
	require.NoError(t, guard.Release())

	cleaner, err := AcquireCleaner(root, "node-f")
	require.NoError(t, err)
	require.NoError(t, cleaner.RemoveResources())
	require.NoError(t, cleaner.Release())

	state, err := Observe(root, "node-f")
	require.NoError(t, err)
	assert.Equal(t, StateDoesNotExist, state)
}

func TestSecondCleanerRefusedWhileFirstHeld(t *testing.T) {
	root := t.TempDir()
	guard, err := NewProcessGuard(root, "node-g")
	require.NoError(t, err)
	require.NoError(t, guard.Release())

	first, err := AcquireCleaner(root, "node-g")
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireCleaner(root, "node-g")
	assert.ErrorIs(t, err, ErrOwnedByAnotherProcess)
}
