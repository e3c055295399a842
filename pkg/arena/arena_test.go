package arena

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseRemovesTrackedPaths(t *testing.T) {
	base := t.TempDir()
	a := New(WithBaseDir(base))

	first, err := a.TempDir("oci2vm-layout-")
	require.NoError(t, err)
	second, err := a.TempDir("oci2vm-rootfs-")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(second, "file"), []byte("x"), 0o644))

	tracked := filepath.Join(base, "manual")
	require.NoError(t, os.Mkdir(tracked, 0o755))
	a.Track(tracked)

	assert.Equal(t, []string{first, second, tracked}, a.Paths())

	require.NoError(t, a.Release(context.Background()))
	for _, p := range []string{first, second, tracked} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	assert.Empty(t, a.Paths())
}

func TestReleaseHandlesReadOnlyTrees(t *testing.T) {
	a := New(WithBaseDir(t.TempDir()))

	dir, err := a.TempDir("oci2vm-rootfs-")
	require.NoError(t, err)
	locked := filepath.Join(dir, "rootfs", "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "file"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o555))

	require.NoError(t, a.Release(context.Background()))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(WithBaseDir(t.TempDir()))
	_, err := a.TempDir("x-")
	require.NoError(t, err)

	require.NoError(t, a.Release(context.Background()))
	require.NoError(t, a.Release(context.Background()))

	_, err = a.TempDir("y-")
	assert.Error(t, err)
}

func TestReleaseIgnoresMissingPaths(t *testing.T) {
	a := New()
	a.Track(filepath.Join(t.TempDir(), "never-created"))
	assert.NoError(t, a.Release(context.Background()))
}
