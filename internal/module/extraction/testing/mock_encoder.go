package testing

import (
	"context"
	"sync"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// MockEncoder はテスト用のモックEncoderです。
// EncodeFunc が未設定の場合は宣言したチャネル形状どおりの決定的な出力を返します。
type MockEncoder struct {
	Cap        domain.Capability
	Specs      []domain.ChannelSpec
	Input      []int
	WeightSize int64

	MoveToFunc func(ctx context.Context, residency domain.Residency, precision domain.Precision) error
	EncodeFunc func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error)

	mu        sync.Mutex
	residency domain.Residency
	precision domain.Precision
	calls     int
	moves     []domain.Residency
	inputs    []domain.EncoderInput
	closed    bool
}

// Capability はCapabilityのモック実装です
func (m *MockEncoder) Capability() domain.Capability {
	return m.Cap
}

// Channels はChannelsのモック実装です
func (m *MockEncoder) Channels() []domain.ChannelSpec {
	return m.Specs
}

// InputShape はInputShapeのモック実装です
func (m *MockEncoder) InputShape() []int {
	return m.Input
}

// Footprint はFootprintのモック実装です
func (m *MockEncoder) Footprint(precision domain.Precision) int64 {
	if precision == domain.PrecisionReduced {
		return m.WeightSize / 2
	}
	return m.WeightSize
}

// MoveTo はMoveToのモック実装です
func (m *MockEncoder) MoveTo(ctx context.Context, residency domain.Residency, precision domain.Precision) error {
	if m.MoveToFunc != nil {
		if err := m.MoveToFunc(ctx, residency, precision); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.residency = residency
	m.precision = precision
	m.moves = append(m.moves, residency)
	return nil
}

// Encode はEncodeのモック実装です
func (m *MockEncoder) Encode(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
	m.mu.Lock()
	m.calls++
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()

	if m.EncodeFunc != nil {
		return m.EncodeFunc(ctx, in)
	}
	return FillOutput(m.Specs, in.Size()), nil
}

// Close はCloseのモック実装です
func (m *MockEncoder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Residency は現在の配置を返します
func (m *MockEncoder) Residency() domain.Residency {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.residency
}

// Precision は現在の精度を返します
func (m *MockEncoder) Precision() domain.Precision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.precision
}

// Calls は Encode の呼び出し回数を返します
func (m *MockEncoder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Moves は MoveTo で指定された配置の履歴を返します
func (m *MockEncoder) Moves() []domain.Residency {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Residency, len(m.moves))
	copy(out, m.moves)
	return out
}

// Inputs は Encode に渡された入力の履歴を返します
func (m *MockEncoder) Inputs() []domain.EncoderInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EncoderInput, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Closed は Close が呼ばれたかを返します
func (m *MockEncoder) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// FillOutput は specs の形状に従ってバッチ出力を生成します。
// 可変長の次元は 2 とし、値はサンプル番号とチャネル内の位置から決まります。
func FillOutput(specs []domain.ChannelSpec, batchSize int) domain.EncoderOutput {
	out := make(domain.EncoderOutput, len(specs))
	for _, spec := range specs {
		shape := []int{batchSize}
		per := 1
		for _, d := range spec.Shape {
			if d < 0 {
				d = 2
			}
			shape = append(shape, d)
			per *= d
		}
		data := make([]float32, batchSize*per)
		for b := 0; b < batchSize; b++ {
			for i := 0; i < per; i++ {
				data[b*per+i] = float32(b+1) + float32(i)/100
			}
		}
		out[spec.Name] = domain.Tensor{Shape: shape, Data: data, Residency: domain.ResidencyDevice}
	}
	return out
}
