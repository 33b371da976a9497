package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStamps(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	stamp, err := store.Stamp(ctx, "zlib")
	require.NoError(t, err)
	assert.Empty(t, stamp)

	require.NoError(t, store.SetStamp(ctx, "zlib", "https://example.com/zlib.tgz#abc"))
	require.NoError(t, store.SetStamp(ctx, "gtest", "https://example.com/gtest.zip#def"))

	stamp, err = store.Stamp(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/zlib.tgz#abc", stamp)

	require.NoError(t, store.DeleteStamp(ctx, "zlib"))
	stamps, err := store.Stamps(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"gtest": "https://example.com/gtest.zip#def"}, stamps)

	require.NoError(t, store.ClearStamps(ctx))
	stamps, err = store.Stamps(ctx)
	require.NoError(t, err)
	assert.Empty(t, stamps)
}

func TestBatchUpdateSharesTransaction(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	err := store.BatchUpdate(ctx, func(ctx context.Context) error {
		require.NotNil(t, TxFromCtx(ctx))
		if err := store.SetStamp(ctx, "a", "1"); err != nil {
			return err
		}
		return store.SetMeta(ctx, "build_type", "Debug")
	})
	require.NoError(t, err)

	stamp, err := store.Stamp(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", stamp)
}

func TestRunHistory(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxRuns+5; i++ {
		id, err := store.RecordRun(ctx, Run{
			Task:     fmt.Sprintf("run-%d", i),
			Started:  started.Add(time.Duration(i) * time.Minute),
			Duration: time.Second,
			Success:  i%2 == 0,
		})
		require.NoError(t, err)
		assert.Len(t, id, 12)
	}

	all, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, MaxRuns)
	assert.Equal(t, fmt.Sprintf("run-%d", MaxRuns+4), all[0].Task)
	assert.Equal(t, "run-5", all[len(all)-1].Task)

	latest, err := store.Runs(ctx, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, all[:3], latest)

	id, err := store.RecordRun(ctx, Run{ID: "fixed", Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetMeta(ctx, "build_type", "Release"))
	require.NoError(t, store.SetMeta(ctx, "generator", "Ninja"))

	value, err := store.Meta(ctx, "build_type")
	require.NoError(t, err)
	assert.Equal(t, "Release", value)

	keys, err := store.MetaKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"build_type", "generator"}, keys)

	require.NoError(t, store.SetMeta(ctx, "generator", ""))
	value, err = store.Meta(ctx, "generator")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SetStamp(ctx, "dep", "stamp"))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	stamp, err := store.Stamp(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, "stamp", stamp)
}
