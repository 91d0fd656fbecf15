package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/pg"
	"github.com/jinford/latent-cache/internal/platform/container"
	"github.com/jinford/latent-cache/internal/platform/logger"
)

// CatalogSimilarAction はクリップ埋め込みが近いサンプルを表示するコマンドのアクション
func CatalogSimilarAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.String("id")
	limit := cmd.Int("limit")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(logger.ForVerbosity(cfg.Log.Format, cfg.Log.Verbose))

	db, err := container.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("類似サンプル検索を開始", "id", id, "limit", limit)

	neighbors, err := pg.NewCatalogRepository(db.Pool).Similar(ctx, id, limit)
	if err != nil {
		return fmt.Errorf("類似サンプルの検索に失敗: %w", err)
	}

	displayNeighbors(os.Stdout, neighbors)
	return nil
}

// displayNeighbors は検索結果をテーブル形式で表示します
func displayNeighbors(w io.Writer, neighbors []pg.Neighbor) {
	if len(neighbors) == 0 {
		fmt.Fprintln(w, "no similar samples")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Sample ID", "Distance", "Caption", "Path")
	for _, n := range neighbors {
		table.Append(n.SampleID, fmt.Sprintf("%.4f", n.Distance), n.Caption, n.Path)
	}
	table.Render()
}
