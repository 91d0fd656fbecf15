package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/jinford/latent-cache/internal/platform/config"
	"github.com/jinford/latent-cache/internal/platform/container"
	"github.com/jinford/latent-cache/internal/platform/logger"
)

// 終了コード
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ErrInterrupted は抽出が中断された場合のエラー
var ErrInterrupted = errors.New("interrupted")

// ExitCode はエラーをプロセスの終了コードに変換します
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Logger    *slog.Logger
	Container *container.Container
}

// NewAppContext は設定を読み込み、フラグで上書きしてコンテナを作成する
func NewAppContext(ctx context.Context, cmd *cli.Command, opts ...container.Option) (*AppContext, error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return nil, err
	}

	appLogger := logger.New(logger.ForVerbosity(cfg.Log.Format, cfg.Log.Verbose))

	cont, err := container.New(ctx, cfg, append([]container.Option{container.WithLogger(appLogger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Logger:    appLogger,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		if err := ac.Container.Close(); err != nil {
			ac.Logger.Warn("リソースの解放に失敗しました", "error", err)
		}
	}
}

// LoadConfig は --env の設定を読み込み、指定されたフラグで上書きする
func LoadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return nil, domain.Setup(fmt.Errorf("設定の読み込みに失敗: %w", err))
	}
	applyFlags(cfg, cmd)
	return cfg, nil
}

// applyFlags は明示的に指定されたフラグだけを設定に反映する
func applyFlags(cfg *config.Config, cmd *cli.Command) {
	setString := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if cmd.IsSet(name) {
			*dst = cmd.Int(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if cmd.IsSet(name) {
			*dst = cmd.Bool(name)
		}
	}

	setString("root", &cfg.Dataset.Root)
	setString("manifest", &cfg.Dataset.ManifestPath)
	setString("save-dir", &cfg.Dataset.SaveDir)
	setInt("sample-rate", &cfg.Dataset.SampleRate)
	if cmd.IsSet("duration-sec") {
		cfg.Dataset.DurationSec = cmd.Float("duration-sec")
	}
	setInt("start-row", &cfg.Dataset.StartRow)
	setInt("end-row", &cfg.Dataset.EndRow)

	setString("ckpt-dir", &cfg.Runtime.CheckpointDir)
	if cmd.IsSet("reduced-precision") {
		cfg.Runtime.Precision = string(domain.PrecisionFull)
		if cmd.Bool("reduced-precision") {
			cfg.Runtime.Precision = string(domain.PrecisionReduced)
		}
	}
	setString("device", &cfg.Runtime.Device)
	setString("text-embed-backend", &cfg.Runtime.TextEmbedBackend)
	setBool("disable-fast-attention", &cfg.Runtime.DisableFastAttention)

	setInt("batch-size", &cfg.Loader.BatchSize)
	setInt("workers", &cfg.Loader.Workers)
	setInt("prefetch", &cfg.Loader.Prefetch)
	if cmd.IsSet("loader-timeout") {
		cfg.Loader.Timeout = cmd.Duration("loader-timeout")
	}

	setInt("progress-every", &cfg.Run.ProgressEvery)
	setString("failure-log-dir", &cfg.Run.FailureLogDir)
	setBool("resume", &cfg.Run.Resume)
	setBool("catalog", &cfg.Run.Catalog)

	setBool("verbose", &cfg.Log.Verbose)
}
