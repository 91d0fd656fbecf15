package onnx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// TextEncoder はキャプションをトークナイズして推論する ONNX エンコーダーです。
// 入力は input_ids と（宣言されていれば）attention_mask の順です。
type TextEncoder struct {
	spec      *ModelSpec
	model     *model
	tokenizer *tokenizer.Tokenizer
}

// NewTextEncoder はチェックポイントディレクトリから TextEncoder を作成します
func NewTextEncoder(rt *Runtime, dir string, logger *slog.Logger) (*TextEncoder, error) {
	spec, err := LoadModelSpec(dir)
	if err != nil {
		return nil, err
	}
	if spec.Capability.IsVideo() {
		return nil, fmt.Errorf("checkpoint %s is a %s encoder, not a text encoder", dir, spec.Capability)
	}

	tok, err := pretrained.FromFile(spec.TokenizerPath())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load tokenizer: %v", domain.ErrCheckpointMissing, err)
	}

	m, err := newModel(rt, spec, logger)
	if err != nil {
		return nil, err
	}
	return &TextEncoder{spec: spec, model: m, tokenizer: tok}, nil
}

// Capability はエンコーダーの能力を返します
func (e *TextEncoder) Capability() domain.Capability {
	return e.spec.Capability
}

// Channels は出力チャネルを返します
func (e *TextEncoder) Channels() []domain.ChannelSpec {
	return e.spec.Channels()
}

// InputShape はテキスト系のため nil を返します
func (e *TextEncoder) InputShape() []int {
	return nil
}

// Footprint は重みのバイト数を返します
func (e *TextEncoder) Footprint(precision domain.Precision) int64 {
	return e.model.footprint(precision)
}

// MoveTo は重みを移動します
func (e *TextEncoder) MoveTo(ctx context.Context, residency domain.Residency, precision domain.Precision) error {
	return e.model.moveTo(ctx, residency, precision)
}

// Encode はキャプションのバッチを推論します
func (e *TextEncoder) Encode(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
	if len(in.Texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to encode", domain.ErrMalformedSample)
	}

	inputs := make([]tokenizer.EncodeInput, len(in.Texts))
	for i, t := range in.Texts {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}
	encodings, err := e.tokenizer.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	ids := make([][]int, len(encodings))
	masks := make([][]int, len(encodings))
	for i, enc := range encodings {
		ids[i] = enc.GetIds()
		masks[i] = enc.GetAttentionMask()
	}
	tokens := padTokens(ids, masks, e.spec.MaxLength, e.spec.PadToMaxLength)

	shape := []int{len(in.Texts), tokens.SeqLen}
	idsTensor, err := newInputTensor(shape, tokens.IDs)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()

	values := []ort.Value{idsTensor}
	if len(e.spec.Inputs) > 1 {
		maskTensor, err := newInputTensor(shape, tokens.Mask)
		if err != nil {
			return nil, err
		}
		defer maskTensor.Destroy()
		values = append(values, maskTensor)
	}

	return e.model.run(ctx, values)
}

// Close はセッションと重みを解放します
func (e *TextEncoder) Close() error {
	return e.model.close()
}

// paddedTokens はバッチ全体で長さを揃えたトークン列です
type paddedTokens struct {
	IDs    []int64
	Mask   []int64
	SeqLen int
}

// padTokens はトークン列を maxLength で切り詰め、最長の列（padToMax の場合は maxLength）に揃えます
func padTokens(ids, masks [][]int, maxLength int, padToMax bool) paddedTokens {
	seqLen := 0
	for _, row := range ids {
		seqLen = max(seqLen, len(row))
	}
	if padToMax || seqLen > maxLength {
		seqLen = maxLength
	}
	seqLen = max(seqLen, 1)

	out := paddedTokens{
		IDs:    make([]int64, len(ids)*seqLen),
		Mask:   make([]int64, len(ids)*seqLen),
		SeqLen: seqLen,
	}
	for i, row := range ids {
		offset := i * seqLen
		for j := 0; j < seqLen && j < len(row); j++ {
			out.IDs[offset+j] = int64(row[j])
			if i < len(masks) && j < len(masks[i]) {
				out.Mask[offset+j] = int64(masks[i][j])
			} else {
				out.Mask[offset+j] = 1
			}
		}
	}
	return out
}

var _ domain.Encoder = (*TextEncoder)(nil)
