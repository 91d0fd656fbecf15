package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// TextEncoder は Embeddings API を使うテキストエンコーダーです。
// 重みを持たないため MoveTo は配置を記録するだけで、デバイスメモリを消費しません。
// 系列チャネルは長さ 1 の系列として出力します。
type TextEncoder struct {
	capability domain.Capability
	client     EmbeddingClient
	dimension  int
	limiter    *RateLimiter
	truncator  *Truncator

	mu        sync.Mutex
	residency domain.Residency
}

// TextEncoderOption はTextEncoderのオプション
type TextEncoderOption func(*TextEncoder)

// WithRateLimiter はリクエストのレート制限を設定します
func WithRateLimiter(rl *RateLimiter) TextEncoderOption {
	return func(e *TextEncoder) {
		e.limiter = rl
	}
}

// WithTruncator は入力テキストのトークン上限を設定します
func WithTruncator(tr *Truncator) TextEncoderOption {
	return func(e *TextEncoder) {
		e.truncator = tr
	}
}

// NewTextEncoder は新しいTextEncoderを作成します
func NewTextEncoder(capability domain.Capability, client EmbeddingClient, dimension int, opts ...TextEncoderOption) (*TextEncoder, error) {
	if capability != domain.CapabilityTextEmbed && capability != domain.CapabilityTextSeq {
		return nil, fmt.Errorf("%w: %s cannot be served by the embeddings API", domain.ErrUnknownEncoder, capability)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	e := &TextEncoder{
		capability: capability,
		client:     client,
		dimension:  dimension,
		residency:  domain.ResidencyHost,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Capability はエンコーダーの能力を返します
func (e *TextEncoder) Capability() domain.Capability {
	return e.capability
}

// Channels は出力チャネルを返します
func (e *TextEncoder) Channels() []domain.ChannelSpec {
	if e.capability == domain.CapabilityTextSeq {
		return []domain.ChannelSpec{{Name: domain.ChannelT5, Shape: []int{1, e.dimension}}}
	}
	return []domain.ChannelSpec{
		{Name: domain.ChannelMetaClipTextGlobal, Shape: []int{e.dimension}},
		{Name: domain.ChannelMetaClipText, Shape: []int{1, e.dimension}},
	}
}

// InputShape はテキスト系のため nil を返します
func (e *TextEncoder) InputShape() []int {
	return nil
}

// Footprint はリモート実行のため 0 を返します
func (e *TextEncoder) Footprint(domain.Precision) int64 {
	return 0
}

// MoveTo は配置を記録します
func (e *TextEncoder) MoveTo(ctx context.Context, residency domain.Residency, _ domain.Precision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.residency = residency
	e.mu.Unlock()
	return nil
}

// Encode はキャプションを埋め込みます
func (e *TextEncoder) Encode(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
	if len(in.Texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to encode", domain.ErrMalformedSample)
	}

	texts := make([]string, len(in.Texts))
	for i, t := range in.Texts {
		if e.truncator != nil {
			t = e.truncator.Truncate(t)
		}
		texts[i] = t
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
		defer e.limiter.Release()
	}

	vectors, err := e.client.BatchEmbed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", domain.ErrShapeMismatch, len(texts), len(vectors))
	}

	data := make([]float32, 0, len(texts)*e.dimension)
	for i, v := range vectors {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, want %d", domain.ErrShapeMismatch, i, len(v), e.dimension)
		}
		data = append(data, v...)
	}

	seq, err := domain.NewTensor([]int{len(texts), 1, e.dimension}, data)
	if err != nil {
		return nil, err
	}
	if e.capability == domain.CapabilityTextSeq {
		return domain.EncoderOutput{domain.ChannelT5: seq}, nil
	}

	global, err := domain.NewTensor([]int{len(texts), e.dimension}, append([]float32(nil), data...))
	if err != nil {
		return nil, err
	}
	return domain.EncoderOutput{
		domain.ChannelMetaClipTextGlobal: global,
		domain.ChannelMetaClipText:       seq,
	}, nil
}

// Close は何もしません
func (e *TextEncoder) Close() error {
	return nil
}

// Residency は記録された配置を返します
func (e *TextEncoder) Residency() domain.Residency {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.residency
}

var _ domain.Encoder = (*TextEncoder)(nil)
