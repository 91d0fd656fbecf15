package onnx

import (
	"context"
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// VideoEncoder は動画テンソル [batch, frames, channels, height, width] を入力とする ONNX エンコーダーです
type VideoEncoder struct {
	spec  *ModelSpec
	model *model
}

// NewVideoEncoder はチェックポイントディレクトリから VideoEncoder を作成します
func NewVideoEncoder(rt *Runtime, dir string, logger *slog.Logger) (*VideoEncoder, error) {
	spec, err := LoadModelSpec(dir)
	if err != nil {
		return nil, err
	}
	if !spec.Capability.IsVideo() {
		return nil, fmt.Errorf("checkpoint %s is a %s encoder, not a video encoder", dir, spec.Capability)
	}
	m, err := newModel(rt, spec, logger)
	if err != nil {
		return nil, err
	}
	return &VideoEncoder{spec: spec, model: m}, nil
}

// Capability はエンコーダーの能力を返します
func (e *VideoEncoder) Capability() domain.Capability {
	return e.spec.Capability
}

// Channels は出力チャネルを返します
func (e *VideoEncoder) Channels() []domain.ChannelSpec {
	return e.spec.Channels()
}

// InputShape はサンプル単位の入力形状を返します
func (e *VideoEncoder) InputShape() []int {
	return append([]int(nil), e.spec.InputShape...)
}

// Footprint は重みのバイト数を返します
func (e *VideoEncoder) Footprint(precision domain.Precision) int64 {
	return e.model.footprint(precision)
}

// MoveTo は重みを移動します
func (e *VideoEncoder) MoveTo(ctx context.Context, residency domain.Residency, precision domain.Precision) error {
	return e.model.moveTo(ctx, residency, precision)
}

// Encode は動画バッチを推論します
func (e *VideoEncoder) Encode(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
	if err := in.Video.Validate(); err != nil {
		return nil, err
	}
	if len(in.Video.Shape) != 5 {
		return nil, fmt.Errorf("%w: video input must be 5-d, got %v", domain.ErrShapeMismatch, in.Video.Shape)
	}

	input, err := newInputTensor(in.Video.Shape, in.Video.Data)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	return e.model.run(ctx, []ort.Value{input})
}

// Close はセッションと重みを解放します
func (e *VideoEncoder) Close() error {
	return e.model.close()
}

var _ domain.Encoder = (*VideoEncoder)(nil)
