package dataset_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/dataset"
)

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadManifest_CSV(t *testing.T) {
	path := writeManifest(t, "cot.csv",
		"id,caption,caption_cot\n"+
			"v1,a dog barks,\"a dog barks, then runs\"\n"+
			"v2,rain falls,heavy rain on a roof\n")

	got, err := dataset.ReadManifest(path, dataset.RowRange{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dataset.Row{ID: "v1", Caption: "a dog barks", CaptionCoT: "a dog barks, then runs"}, got[0])
	assert.Equal(t, "v2", got[1].ID)
}

func TestReadManifest_TabSeparatedWithCSVExtension(t *testing.T) {
	path := writeManifest(t, "cot.csv",
		"caption_cot\tid\tcaption\n"+
			"slow reasoning\tv1\tshort\n")

	got, err := dataset.ReadManifest(path, dataset.RowRange{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dataset.Row{ID: "v1", Caption: "short", CaptionCoT: "slow reasoning"}, got[0])
}

func TestReadManifest_RowRange(t *testing.T) {
	path := writeManifest(t, "cot.tsv",
		"id\tcaption\tcaption_cot\n"+
			"0\ta\ta\n1\tb\tb\n2\tc\tc\n3\td\td\n")

	got, err := dataset.ReadManifest(path, dataset.RowRange{Start: 1, End: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	got, err = dataset.ReadManifest(path, dataset.RowRange{Start: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReadManifest_InvalidRange(t *testing.T) {
	path := writeManifest(t, "cot.tsv", "id\tcaption\tcaption_cot\n")

	_, err := dataset.ReadManifest(path, dataset.RowRange{Start: 5, End: 2})
	assert.Error(t, err)
	_, err = dataset.ReadManifest(path, dataset.RowRange{Start: -1})
	assert.Error(t, err)
}

func TestReadManifest_MissingColumn(t *testing.T) {
	path := writeManifest(t, "cot.csv", "id,caption\nv1,x\n")

	_, err := dataset.ReadManifest(path, dataset.RowRange{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caption_cot")
}
