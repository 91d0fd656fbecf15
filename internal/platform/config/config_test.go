package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/jinford/latent-cache/internal/platform/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Loader.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Loader.Timeout)
	assert.Equal(t, 100, cfg.Run.ProgressEvery)
	assert.Equal(t, config.TextEmbedBackendONNX, cfg.Runtime.TextEmbedBackend)
	assert.Equal(t, 9.0, cfg.Dataset.DurationSec)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "BATCH_SIZE=4\nPRECISION=full\nDEVICE=host\nLOADER_TIMEOUT=90s\nRESUME=true\nCKPT_DIR=/models\nDISABLE_FAST_ATTENTION=1\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0644))
	for _, key := range []string{"BATCH_SIZE", "PRECISION", "DEVICE", "LOADER_TIMEOUT", "RESUME", "CKPT_DIR", "DISABLE_FAST_ATTENTION"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := config.Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Loader.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Loader.Timeout)
	assert.True(t, cfg.Run.Resume)

	opts, err := cfg.Extraction()
	require.NoError(t, err)
	assert.Equal(t, domain.PrecisionFull, opts.Precision)
	assert.Equal(t, domain.DeviceKindHost, opts.Device)
	assert.True(t, opts.DisableFastAttention)

	path, ok := opts.CheckpointPath(domain.CapabilityTextSeq)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/models", "text-seq"), path)
	assert.Len(t, opts.CheckpointPaths, 4)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "many")
	t.Setenv("LOADER_TIMEOUT", "soon")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Loader.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Loader.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"precision", func(c *config.Config) { c.Runtime.Precision = "int4" }},
		{"device", func(c *config.Config) { c.Runtime.Device = "tpu" }},
		{"backend", func(c *config.Config) { c.Runtime.TextEmbedBackend = "remote" }},
		{"openai without key", func(c *config.Config) {
			c.Runtime.TextEmbedBackend = config.TextEmbedBackendOpenAI
			c.OpenAI.APIKey = ""
		}},
		{"negative start row", func(c *config.Config) { c.Dataset.StartRow = -1 }},
		{"end before start", func(c *config.Config) { c.Dataset.StartRow, c.Dataset.EndRow = 10, 5 }},
		{"batch size", func(c *config.Config) { c.Loader.BatchSize = 0 }},
		{"duration", func(c *config.Config) { c.Dataset.DurationSec = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatasetConfig_AudioSamples(t *testing.T) {
	d := config.DatasetConfig{SampleRate: 16000, DurationSec: 8}
	assert.Equal(t, 128000, d.AudioSamples())
}
