package domain

import (
	"fmt"
	"math"
)

// Tensor はエンコーダー入出力に使う float32 の多次元配列です。
// Residency はデータがどのメモリ上にあるとみなされるかを示します。
type Tensor struct {
	Shape     []int
	Data      []float32
	Residency Residency
}

// NewTensor は形状とデータの整合性を検証して Tensor を作成します
func NewTensor(shape []int, data []float32) (Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v requires %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return Tensor{Shape: cloneInts(shape), Data: data, Residency: ResidencyHost}, nil
}

// Zeros はゼロ埋めの Tensor を作成します
func Zeros(shape ...int) Tensor {
	n, err := numElements(shape)
	if err != nil {
		return Tensor{}
	}
	return Tensor{Shape: cloneInts(shape), Data: make([]float32, n), Residency: ResidencyHost}
}

// IsZero は Tensor が空（未設定）かどうかを返します
func (t Tensor) IsZero() bool {
	return len(t.Shape) == 0 && len(t.Data) == 0
}

// Len は先頭次元の長さを返します
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Validate は形状とデータ長が一致しているかを検証します
func (t Tensor) Validate() error {
	n, err := numElements(t.Shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w: shape %v requires %d elements, got %d", ErrShapeMismatch, t.Shape, n, len(t.Data))
	}
	return nil
}

// Index は先頭次元の i 番目を切り出します（データはコピーしません）
func (t Tensor) Index(i int) (Tensor, error) {
	if len(t.Shape) == 0 {
		return Tensor{}, fmt.Errorf("%w: cannot index a scalar tensor", ErrShapeMismatch)
	}
	if i < 0 || i >= t.Shape[0] {
		return Tensor{}, fmt.Errorf("index %d out of range [0,%d)", i, t.Shape[0])
	}
	stride := len(t.Data) / t.Shape[0]
	return Tensor{
		Shape:     cloneInts(t.Shape[1:]),
		Data:      t.Data[i*stride : (i+1)*stride],
		Residency: t.Residency,
	}, nil
}

// Detach はホストメモリ上の独立した Array にコピーします
func (t Tensor) Detach() Array {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return Array{Shape: cloneInts(t.Shape), Data: data}
}

// Reduced は bfloat16 相当に丸めたコピーを返します（最近接偶数丸め）
func (t Tensor) Reduced() Tensor {
	data := make([]float32, len(t.Data))
	for i, v := range t.Data {
		data[i] = roundBFloat16(v)
	}
	return Tensor{Shape: cloneInts(t.Shape), Data: data, Residency: t.Residency}
}

// Stack は同じ形状の Tensor を新しい先頭次元で結合します
func Stack(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("%w: nothing to stack", ErrShapeMismatch)
	}
	base := ts[0].Shape
	for i, t := range ts {
		if err := t.Validate(); err != nil {
			return Tensor{}, fmt.Errorf("tensor %d: %w", i, err)
		}
		if !equalInts(base, t.Shape) {
			return Tensor{}, fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrShapeMismatch, i, t.Shape, base)
		}
	}

	per := len(ts[0].Data)
	data := make([]float32, 0, per*len(ts))
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	shape := append([]int{len(ts)}, base...)
	return Tensor{Shape: shape, Data: data, Residency: ResidencyHost}, nil
}

// Array は永続化される素の数値配列です（常に float32・ホストメモリ）
type Array struct {
	Shape []int
	Data  []float32
}

// Len は要素数を返します
func (a Array) Len() int {
	return len(a.Data)
}

// MeanPool は先頭次元で平均を取ったベクトルを返します。
// 1 次元の場合はそのままコピーを返します。
func (a Array) MeanPool() []float32 {
	if len(a.Shape) <= 1 {
		out := make([]float32, len(a.Data))
		copy(out, a.Data)
		return out
	}
	rows := a.Shape[0]
	if rows == 0 {
		return nil
	}
	width := len(a.Data) / rows
	out := make([]float32, width)
	for r := 0; r < rows; r++ {
		row := a.Data[r*width : (r+1)*width]
		for i, v := range row {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float32(rows)
	}
	return out
}

func roundBFloat16(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v
	}
	bits := math.Float32bits(v)
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return math.Float32frombits(bits & 0xFFFF0000)
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
		n *= d
	}
	return n, nil
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
