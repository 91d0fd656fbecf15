package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/npz"
	"github.com/jinford/latent-cache/internal/module/extraction/adapter/pg"
	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/jinford/latent-cache/internal/platform/config"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"interrupted", fmt.Errorf("run: %w", ErrInterrupted), ExitInterrupted},
		{"canceled", context.Canceled, ExitInterrupted},
		{"setup", domain.Setup(errors.New("no checkpoint")), ExitFailure},
		{"other", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func runWithFlags(t *testing.T, args ...string) *config.Config {
	t.Helper()

	var got *config.Config
	cmd := &cli.Command{
		Name: "test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env"},
			&cli.StringFlag{Name: "root"},
			&cli.StringFlag{Name: "save-dir"},
			&cli.FloatFlag{Name: "duration-sec"},
			&cli.IntFlag{Name: "batch-size"},
			&cli.DurationFlag{Name: "loader-timeout"},
			&cli.BoolFlag{Name: "reduced-precision"},
			&cli.BoolFlag{Name: "resume"},
			&cli.StringFlag{Name: "text-embed-backend"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig(cmd)
			if err != nil {
				return err
			}
			got = cfg
			return nil
		},
	}

	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
	require.NotNil(t, got)
	return got
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("DATASET_ROOT", "/env/root")
	t.Setenv("SAVE_DIR", "/env/out")
	t.Setenv("BATCH_SIZE", "4")

	cfg := runWithFlags(t,
		"--root", "/flag/root",
		"--duration-sec", "4.5",
		"--loader-timeout", "30s",
		"--reduced-precision=false",
		"--resume",
		"--text-embed-backend", "openai",
	)

	assert.Equal(t, "/flag/root", cfg.Dataset.Root)
	assert.Equal(t, "/env/out", cfg.Dataset.SaveDir)
	assert.Equal(t, 4.5, cfg.Dataset.DurationSec)
	assert.Equal(t, 4, cfg.Loader.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Loader.Timeout)
	assert.Equal(t, string(domain.PrecisionFull), cfg.Runtime.Precision)
	assert.True(t, cfg.Run.Resume)
	assert.Equal(t, "openai", cfg.Runtime.TextEmbedBackend)
}

func TestLoadConfig_UnsetFlagsKeepEnvironment(t *testing.T) {
	t.Setenv("PRECISION", string(domain.PrecisionReduced))
	t.Setenv("BATCH_SIZE", "3")

	cfg := runWithFlags(t, "--batch-size", "6")

	assert.Equal(t, 6, cfg.Loader.BatchSize)
	assert.Equal(t, string(domain.PrecisionReduced), cfg.Runtime.Precision)
}

func TestDisplayWarmupReport(t *testing.T) {
	var buf bytes.Buffer
	displayWarmupReport(&buf, &application.WarmupReport{
		Latency: map[domain.Capability]time.Duration{
			domain.CapabilityVideoEmbed: 120 * time.Millisecond,
			domain.CapabilityTextEmbed:     8 * time.Millisecond,
		},
	})

	out := buf.String()
	assert.Contains(t, out, string(domain.CapabilityVideoEmbed))
	assert.Contains(t, out, "120ms")
	assert.Contains(t, out, "8ms")
}

func TestDisplayWarmupReport_Skipped(t *testing.T) {
	var buf bytes.Buffer
	displayWarmupReport(&buf, &application.WarmupReport{Skipped: true})
	assert.Contains(t, buf.String(), "warmup skipped")
}

func TestDisplayRecord(t *testing.T) {
	var buf bytes.Buffer
	displayRecord(&buf, "/out/v1.npz",
		domain.FeatureRecord{ID: "v1", Caption: "a dog barks", CaptionCoT: "a dog barks twice"},
		[]npz.Entry{{Name: "global_video_features", DType: "<f4", Shape: []int{1024}}},
	)

	out := buf.String()
	assert.Contains(t, out, "/out/v1.npz")
	assert.Contains(t, out, "a dog barks twice")
	assert.Contains(t, out, "global_video_features")
	assert.Contains(t, out, "[1024]")
}

func TestDisplayNeighbors(t *testing.T) {
	var buf bytes.Buffer
	displayNeighbors(&buf, nil)
	assert.Contains(t, buf.String(), "no similar samples")

	buf.Reset()
	displayNeighbors(&buf, []pg.Neighbor{{SampleID: "v2", Caption: "rain", Path: "/out/v2.npz", Distance: 0.125}})
	out := buf.String()
	assert.Contains(t, out, "v2")
	assert.Contains(t, out, "0.1250")
	assert.Contains(t, out, "/out/v2.npz")
}
