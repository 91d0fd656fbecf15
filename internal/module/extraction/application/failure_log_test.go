package application_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

func TestFailureLog_Record(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := application.NewFailureLog(dir)
	require.NoError(t, err)
	defer log.Close()

	assert.True(t, strings.HasPrefix(filepath.Base(log.Path()), "batch_failures_"))

	err = log.Record("run-1", &domain.BatchError{
		BatchIndex: 4,
		SampleIDs:  []string{"8", "9"},
		Stage:      domain.StageEncode,
		Capability: domain.CapabilityVideoSync,
		Err:        errors.New("shape mismatch"),
	})
	require.NoError(t, err)
	err = log.Record("run-1", &domain.BatchError{
		BatchIndex: 5,
		SampleIDs:  []string{"10"},
		Stage:      domain.StagePanic,
		Err:        errors.New("panic: nil map"),
	})
	require.NoError(t, err)

	records, err := application.ReadFailureLog(log.Path())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 4, records[0].BatchIndex)
	assert.Equal(t, []string{"8", "9"}, records[0].SampleIDs)
	assert.Equal(t, domain.CapabilityVideoSync, records[0].Capability)
	assert.Equal(t, domain.StagePanic, records[1].Stage)
	assert.Equal(t, "panic: nil map", records[1].ErrorMessage)
}

func TestFailureLog_Disabled(t *testing.T) {
	log, err := application.NewFailureLog("")
	require.NoError(t, err)

	assert.Empty(t, log.Path())
	assert.NoError(t, log.Record("run-1", &domain.BatchError{Err: errors.New("ignored")}))
	assert.NoError(t, log.Close())
}
