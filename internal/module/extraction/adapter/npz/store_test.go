package npz_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/npz"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	testutil "github.com/jinford/latent-cache/internal/module/extraction/testing"
)

func TestStore_Put_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "results")
	store := npz.NewStore(dir)

	record := testutil.TestRecord("clip-001")
	unit, err := store.Put(ctx, record)
	require.NoError(t, err)

	assert.Equal(t, "clip-001", unit.ID)
	assert.Equal(t, filepath.Join(dir, "clip-001.npz"), unit.Path)
	assert.Len(t, unit.Digest, 64)

	info, err := os.Stat(unit.Path)
	require.NoError(t, err)
	assert.Equal(t, unit.Size, info.Size())

	got, entries, err := npz.Read(unit.Path)
	require.NoError(t, err)

	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Caption, got.Caption)
	assert.Equal(t, record.CaptionCoT, got.CaptionCoT)
	require.Len(t, got.Features, len(record.Features))
	for ch, want := range record.Features {
		assert.Equal(t, want.Shape, got.Features[ch].Shape, ch)
		assert.Equal(t, want.Data, got.Features[ch].Data, ch)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		"id",
		"caption",
		"caption_cot",
		"metaclip_features",
		"sync_features",
		"metaclip_global_text_features",
		"metaclip_text_features",
		"t5_features",
	}, names)
	assert.Equal(t, "<f4", entries[3].DType)
	assert.Equal(t, "<U8", entries[0].DType)
}

func TestStore_Put_IsByteIdenticalOnRewrite(t *testing.T) {
	ctx := context.Background()
	store := npz.NewStore(t.TempDir())
	record := testutil.TestRecord("7")

	first, err := store.Put(ctx, record)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second, err := store.Put(ctx, record)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestStore_Put_OneFilePerID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := npz.NewStore(dir)

	for _, id := range []string{"a", "b", "nested/c"} {
		_, err := store.Put(ctx, testutil.TestRecord(id))
		require.NoError(t, err)
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name())
	}
	assert.ElementsMatch(t, []string{"a.npz", "b.npz", "nested%2Fc.npz"}, names)
}

func TestStore_Put_UnicodeCaption(t *testing.T) {
	ctx := context.Background()
	store := npz.NewStore(t.TempDir())

	record := testutil.TestRecord("u")
	record.Caption = "犬が吠える 🐕"
	record.CaptionCoT = ""

	unit, err := store.Put(ctx, record)
	require.NoError(t, err)

	got, _, err := npz.Read(unit.Path)
	require.NoError(t, err)
	assert.Equal(t, "犬が吠える 🐕", got.Caption)
	assert.Equal(t, "", got.CaptionCoT)
}

func TestStore_Put_RejectsMissingID(t *testing.T) {
	store := npz.NewStore(t.TempDir())

	_, err := store.Put(context.Background(), domain.FeatureRecord{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedSample)
}

func TestStore_Put_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	store := npz.NewStore(dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, testutil.TestRecord("x"))
	require.ErrorIs(t, err, context.Canceled)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "abc.npz", npz.FileName("abc"))
	assert.Equal(t, "a%20b.npz", npz.FileName("a b"))
	assert.NotEqual(t, npz.FileName("a/b"), npz.FileName("a_b"))
}
