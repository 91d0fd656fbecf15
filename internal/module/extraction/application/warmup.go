package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// SyncClipFrames は同期エンコーダーが 1 クリップとして受け取るフレーム数
const SyncClipFrames = 16

// WarmupReport はウォームアップの結果です
type WarmupReport struct {
	Skipped bool
	Latency map[domain.Capability]time.Duration
}

// WarmupRunner は最小の合成入力で全エンコーダーを 1 回ずつ実行し、
// デバイス上の初回コストを本処理の前に払います。
type WarmupRunner struct {
	residency *ResidencyManager
	logger    *slog.Logger
}

// NewWarmupRunner は新しいWarmupRunnerを作成します
func NewWarmupRunner(residency *ResidencyManager, logger *slog.Logger) *WarmupRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmupRunner{residency: residency, logger: logger}
}

// Run はウォームアップを実行します。失敗はすべてセットアップエラーです。
func (w *WarmupRunner) Run(ctx context.Context) (*WarmupReport, error) {
	report := &WarmupReport{Latency: make(map[domain.Capability]time.Duration)}

	if !w.residency.Device().Available() {
		w.logger.Info("デバイスが利用できないためウォームアップをスキップします")
		report.Skipped = true
		return report, nil
	}

	for _, capability := range domain.EncodeOrder {
		enc, ok := w.residency.Encoder(capability)
		if !ok {
			return nil, domain.Setup(fmt.Errorf("%w: %s", domain.ErrUnknownEncoder, capability))
		}
		input := syntheticInput(enc)

		start := time.Now()
		err := w.residency.Run(ctx, capability, func(lease *Lease) error {
			_, err := lease.Encode(ctx, input)
			return err
		})
		if err != nil {
			return nil, domain.Setup(fmt.Errorf("failed to warm up %s: %w", capability, err))
		}
		report.Latency[capability] = time.Since(start)

		w.logger.Info("ウォームアップ完了",
			"capability", capability,
			"latency", report.Latency[capability].Round(time.Millisecond),
		)
	}

	return report, nil
}

func syntheticInput(enc domain.Encoder) domain.EncoderInput {
	switch enc.Capability() {
	case domain.CapabilityVideoEmbed:
		return domain.EncoderInput{Video: syntheticVideo(enc.InputShape(), 1)}
	case domain.CapabilityVideoSync:
		return domain.EncoderInput{Video: syntheticVideo(enc.InputShape(), SyncClipFrames)}
	default:
		return domain.EncoderInput{Texts: []string{"warmup"}}
	}
}

// syntheticVideo はバッチ 1 の動画入力を生成します。frames は入力形状が可変長の場合のみ使います。
func syntheticVideo(shape []int, frames int) domain.Tensor {
	dims := []int{1}
	for i, d := range shape {
		if d < 0 {
			if i == 0 {
				d = frames
			} else {
				d = 1
			}
		}
		dims = append(dims, d)
	}
	return domain.Zeros(dims...)
}
