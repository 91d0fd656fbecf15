package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// ExtractAction はデータセットの特徴量を抽出してキャッシュするコマンドのアクション
func ExtractAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	log := appCtx.Logger

	log.Info("特徴量抽出を開始",
		"save_dir", appCtx.Config.Dataset.SaveDir,
		"device", c.Device.Name(),
		"precision", c.Options.Precision,
		"batch_size", appCtx.Config.Loader.BatchSize,
		"resume", appCtx.Config.Run.Resume,
		"catalog", appCtx.Config.Run.Catalog,
	)

	if !cmd.Bool("skip-warmup") {
		report, err := c.Warmup.Run(ctx)
		if err != nil {
			return err
		}
		if !report.Skipped {
			log.Info("ウォームアップ完了", "latency", report.Latency)
		}
	}

	source, err := c.NewSource()
	if err != nil {
		return err
	}
	defer source.Close()

	if source.Len() == 0 && source.Skipped() > 0 {
		log.Info("すべてのサンプルが保存済みです", "skipped", source.Skipped())
		return nil
	}

	summary, err := c.Runner.Run(ctx, source)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, summary.String())
	if path := c.FailureLog.Path(); path != "" && len(summary.BatchErrors) > 0 {
		log.Warn("失敗したバッチがあります",
			"failure_log", path,
			"batches", summary.SkippedBatches,
			"dropped", len(summary.Dropped),
			"unrecorded", len(summary.Unrecorded),
		)
	}
	if metrics, err := c.Extractor.Metrics().ExportJSON(); err == nil {
		log.Debug("エンコーダーメトリクス", "metrics", string(metrics))
	}

	if summary.Interrupted {
		return ErrInterrupted
	}
	return nil
}
