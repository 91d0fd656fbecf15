package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/npz"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// InspectAction は保存済みの .npz を読み込み、エントリの一覧を表示するコマンドのアクション
func InspectAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")

	record, entries, err := npz.Read(path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	displayRecord(os.Stdout, path, record, entries)
	return nil
}

// displayRecord はレコードのエントリをテーブル形式で表示します
func displayRecord(w io.Writer, path string, record domain.FeatureRecord, entries []npz.Entry) {
	fmt.Fprintf(w, "file:        %s\n", path)
	fmt.Fprintf(w, "id:          %s\n", record.ID)
	fmt.Fprintf(w, "caption:     %s\n", record.Caption)
	fmt.Fprintf(w, "caption_cot: %s\n", record.CaptionCoT)

	table := tablewriter.NewWriter(w)
	table.Header("Entry", "DType", "Shape")
	for _, e := range entries {
		table.Append(e.Name, e.DType, fmt.Sprint(e.Shape))
	}
	table.Render()
}
