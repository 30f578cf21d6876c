package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOverlaysFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shmipc.ini")
	contents := `[connection]
buffer_size = 32
max_borrowed_samples = 4
enable_safe_overflow = true
history_size = 5
timeout_ms = 250
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadDefaults(path))

	assert.Equal(t, 32, cfg.BufferSize)
	assert.Equal(t, 4, cfg.MaxBorrowedSamples)
	assert.True(t, cfg.EnableSafeOverflow)
	assert.Equal(t, 5, cfg.HistorySize)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	// Untouched by the file, keeps its baseline.
	assert.Equal(t, 2, cfg.MaxLoanedSamples)
}

func TestExplicitWithOverridesFileDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shmipc.ini")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\nbuffer_size = 32\n"), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadDefaults(path))
	cfg.WithBufferSize(64)

	assert.Equal(t, 64, cfg.BufferSize)
}

func TestValidateClampsZeroCountableLimits(t *testing.T) {
	cfg := Default().WithBufferSize(0).WithMaxBorrowedSamples(0)
	cfg.Validate(nil)
	assert.Equal(t, 1, cfg.BufferSize)
	assert.Equal(t, 1, cfg.MaxBorrowedSamples)
}
