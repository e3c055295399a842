package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestConversionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	started := time.Unix(1_760_000_000, 0)
	c := &Conversion{
		ID:         "0199f1a0-0000-7000-8000-000000000001",
		SourceKind: "image",
		Source:     "alpine:3.20",
		Platform:   "linux/amd64",
		Mode:       "rootfs",
		OutDir:     "/tmp/out",
		StartedAt:  started,
	}
	require.NoError(t, store.Start(ctx, c))
	assert.Equal(t, StatusRunning, c.Status)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.SourceDigest)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, started.Equal(got.StartedAt))

	completed := started.Add(42 * time.Second)
	c.Status = StatusSucceeded
	c.SourceDigest = strPtr("sha256:abc")
	c.RootfsPath = strPtr("/tmp/out/rootfs.ext4")
	c.CompletedAt = &completed
	require.NoError(t, store.Finish(ctx, c))

	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "sha256:abc", *got.SourceDigest)
	assert.Equal(t, "/tmp/out/rootfs.ext4", *got.RootfsPath)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))
}

func TestFinishUnknownConversion(t *testing.T) {
	store := openTestStore(t)

	err := store.Finish(context.Background(), &Conversion{ID: "missing", Status: StatusFailed})
	require.ErrorIs(t, err, ErrConversionNotFound)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConversionNotFound)
}

func TestListConversions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Unix(1_760_000_000, 0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Start(ctx, &Conversion{
			ID:         id,
			SourceKind: "oci-layout",
			Source:     "/layouts/" + id,
			Platform:   "linux/arm64",
			Mode:       "assets",
			OutDir:     "/out/" + id,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Finish(ctx, &Conversion{ID: "b", Status: StatusFailed, Error: strPtr("boom")}))

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "boom", *all[1].Error)
	assert.Equal(t, StatusFailed, all[1].Status)

	latest, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	historyDB, err := NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer historyDB.Close()

	require.NoError(t, Migrate(ctx, historyDB))
	require.NoError(t, Migrate(ctx, historyDB))

	all, err := migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	version, err := SchemaVersion(ctx, historyDB)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].version, version)
}
