package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(key string, last int) models.RunState {
	metrics := models.NewRunMetrics()
	metrics.UnitsProcessed = last + 1
	metrics.TierCounts[models.TierLocal] = last + 1
	metrics.Elapsed = 3 * time.Second
	return models.RunState{
		Key: key,
		Identity: models.DocumentIdentity{
			Path:    "/docs/manual.pdf",
			Size:    1024,
			ModTime: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		UnitCount:              10,
		LastCompletedUnitIndex: last,
		Metrics:                metrics,
		OutputBytes:            int64(40 * (last + 1)),
		FailedUnits:            []models.FailedUnit{{Index: 1, Reason: "bad stream"}},
		Outcomes: []models.UnitOutcome{
			{Index: 0, TierUsed: models.TierLocal, Sufficient: true},
			{Index: 1, Failed: true, Reason: "bad stream"},
		},
		UpdatedAt: time.Date(2025, 1, 2, 3, 5, 0, 0, time.UTC),
	}
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "file"))
	require.NoError(t, err)

	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	return map[string]Store{"file": fileStore, "bolt": boltStore}
}

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing, err := store.Load(ctx, "absent")
			require.NoError(t, err)
			assert.Nil(t, missing)

			require.NoError(t, store.Save(ctx, sampleState("k1", 3)))
			require.NoError(t, store.Save(ctx, sampleState("k1", 6)))

			got, err := store.Load(ctx, "k1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 6, got.LastCompletedUnitIndex)
			assert.Equal(t, 7, got.Metrics.TierCounts[models.TierLocal])
			assert.True(t, got.Identity.Matches(sampleState("k1", 0).Identity))
			assert.Equal(t, int64(280), got.OutputBytes)
			assert.Equal(t, []models.FailedUnit{{Index: 1, Reason: "bad stream"}}, got.FailedUnits)
			assert.Equal(t, sampleState("k1", 6).Outcomes, got.Outcomes)

			require.NoError(t, store.Delete(ctx, "k1"))
			got, err = store.Load(ctx, "k1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStoresRejectInvalidState(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, store.Save(ctx, sampleState("k", 10)), ErrInvalidState)
			assert.ErrorIs(t, store.Save(ctx, sampleState("k", -2)), ErrInvalidState)
			assert.ErrorIs(t, store.Save(ctx, sampleState("", 1)), ErrInvalidState)
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, store.Save(context.Background(), sampleState("doc", i)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestFileStoreKeepsLastGoodRecordOnCorruptTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleState("doc", 4)))

	// A crash mid-write leaves only a stray temp file behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".doc-123.tmp"), []byte("{\"key\":"), 0o600))

	got, err := store.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 4, got.LastCompletedUnitIndex)
}

func TestIdentifyAndKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0o600))

	plain, err := Identify(path, false)
	require.NoError(t, err)
	assert.Empty(t, plain.ContentHash)
	assert.Equal(t, int64(13), plain.Size)

	hashed, err := Identify(path, true)
	require.NoError(t, err)
	assert.Len(t, hashed.ContentHash, 64)
	assert.True(t, plain.Matches(hashed))

	assert.Equal(t, KeyFor(path), KeyFor(path))
	assert.Len(t, KeyFor(path), keyLength)
	assert.NotEqual(t, KeyFor(path), KeyFor(path+".other"))
}

func TestIdentityMismatchOnContent(t *testing.T) {
	t.Parallel()

	a := models.DocumentIdentity{Path: "/a.pdf", Size: 10, ContentHash: "aa"}
	b := models.DocumentIdentity{Path: "/b.pdf", Size: 10, ContentHash: "bb"}
	c := models.DocumentIdentity{Path: "/a.pdf", Size: 11, ModTime: a.ModTime}

	assert.False(t, a.Matches(b))
	assert.False(t, a.Matches(c))
}

func TestOpenNoneBackend(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), config.CheckpointConfig{Backend: config.BackendNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = Open(context.Background(), config.CheckpointConfig{Backend: config.BackendBolt, Dir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.NoError(t, store.Close())
}
