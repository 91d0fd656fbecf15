package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/latent-cache/cmd/latent-cache/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定（コマンド内で設定に応じて差し替えます）
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "env",
			Usage: "環境変数ファイルパス",
			Value: ".env",
		}
	}
	verboseFlag := func() cli.Flag {
		return &cli.BoolFlag{
			Name:  "verbose",
			Usage: "デバッグログを出力",
		}
	}
	// フラグは解析状態を持つため、コマンドごとに作成します
	runtimeFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:  "ckpt-dir",
				Usage: "チェックポイントディレクトリ（<dir>/<encoder> を読み込みます）",
			},
			&cli.BoolFlag{
				Name:  "reduced-precision",
				Usage: "半精度でデバイスに配置",
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "計算デバイス (accelerator/host)",
			},
			&cli.StringFlag{
				Name:  "text-embed-backend",
				Usage: "テキスト埋め込みのバックエンド (onnx/openai)",
			},
			&cli.BoolFlag{
				Name:  "disable-fast-attention",
				Usage: "グラフ最適化を基本レベルに下げる",
			},
		}
	}

	app := &cli.Command{
		Name:  "latent-cache",
		Usage: "動画・キャプションの特徴量を事前計算してキャッシュする",
		Commands: []*cli.Command{
			{
				Name:  "extract",
				Usage: "データセットの特徴量を抽出して保存",
				Flags: append([]cli.Flag{
					envFlag(),
					verboseFlag(),
					&cli.StringFlag{
						Name:  "root",
						Usage: "サンプルテンソルのディレクトリ",
					},
					&cli.StringFlag{
						Name:  "manifest",
						Usage: "キャプションのマニフェスト (csv/tsv)",
					},
					&cli.StringFlag{
						Name:  "save-dir",
						Usage: "出力ディレクトリ",
					},
					&cli.IntFlag{
						Name:  "sample-rate",
						Usage: "音声のサンプルレート",
					},
					&cli.FloatFlag{
						Name:  "duration-sec",
						Usage: "1 サンプルの長さ（秒）",
					},
					&cli.IntFlag{
						Name:  "start-row",
						Usage: "マニフェストの開始行",
					},
					&cli.IntFlag{
						Name:  "end-row",
						Usage: "マニフェストの終了行（この行は含まない）",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "バッチサイズ",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "サンプル読み込みの並列数",
					},
					&cli.IntFlag{
						Name:  "prefetch",
						Usage: "先読みするバッチ数",
					},
					&cli.DurationFlag{
						Name:  "loader-timeout",
						Usage: "1 バッチの読み込み待ちの上限",
					},
					&cli.IntFlag{
						Name:  "progress-every",
						Usage: "進捗ログの間隔（サンプル数）",
					},
					&cli.StringFlag{
						Name:  "failure-log-dir",
						Usage: "失敗バッチの JSONL を書き出すディレクトリ",
					},
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "保存済みのサンプルをスキップ",
					},
					&cli.BoolFlag{
						Name:  "catalog",
						Usage: "保存したレコードをカタログに登録",
					},
					&cli.BoolFlag{
						Name:  "skip-warmup",
						Usage: "ウォームアップを省略",
					},
				}, runtimeFlags()...),
				Action: commands.ExtractAction,
			},
			{
				Name:   "warmup",
				Usage:  "各エンコーダーを一度ずつ実行して初期化",
				Flags:  append([]cli.Flag{envFlag(), verboseFlag()}, runtimeFlags()...),
				Action: commands.WarmupAction,
			},
			{
				Name:  "inspect",
				Usage: "保存済みの .npz の内容を表示",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Usage:    ".npz ファイルパス",
						Required: true,
					},
				},
				Action: commands.InspectAction,
			},
			{
				Name:  "catalog",
				Usage: "特徴量カタログのコマンド",
				Commands: []*cli.Command{
					{
						Name:  "similar",
						Usage: "クリップ埋め込みが近いサンプルを表示",
						Flags: []cli.Flag{
							envFlag(),
							verboseFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "サンプルID",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 10,
							},
						},
						Action: commands.CatalogSimilarAction,
					},
				},
			},
		},
	}

	start := time.Now()
	err := app.Run(ctx, os.Args)
	if err != nil {
		slog.Error("コマンドが失敗しました", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	stop()
	os.Exit(commands.ExitCode(err))
}
