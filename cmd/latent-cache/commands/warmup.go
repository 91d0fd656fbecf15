package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// WarmupAction は各エンコーダーを一度ずつデバイスで実行するコマンドのアクション
func WarmupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	report, err := appCtx.Container.Warmup.Run(ctx)
	if err != nil {
		return err
	}

	displayWarmupReport(os.Stdout, report)
	return nil
}

// displayWarmupReport はウォームアップ結果をテーブル形式で表示します
func displayWarmupReport(w io.Writer, report *application.WarmupReport) {
	if report.Skipped {
		fmt.Fprintln(w, "warmup skipped: accelerator unavailable")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Encoder", "Latency")
	for _, c := range domain.EncodeOrder {
		latency, ok := report.Latency[c]
		if !ok {
			continue
		}
		table.Append(string(c), latency.String())
	}
	table.Render()
}
