package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

const (
	// SpecFileName はチェックポイントディレクトリ内のモデル定義ファイル名
	SpecFileName = "encoder.json"
	// ModelFileName は単精度モデルのファイル名
	ModelFileName = "model.onnx"
	// ReducedModelFileName は半精度モデルのファイル名（任意）
	ReducedModelFileName = "model_fp16.onnx"
	// TokenizerFileName はテキスト系エンコーダーのトークナイザー定義
	TokenizerFileName = "tokenizer.json"
)

// OutputSpec は ONNX の出力テンソルとチャネルの対応です
type OutputSpec struct {
	// Name は ONNX グラフ上の出力名
	Name    string         `json:"name"`
	Channel domain.Channel `json:"channel"`
	// Shape はサンプル単位の形状（-1 は可変長）
	Shape []int `json:"shape"`
}

// ModelSpec はチェックポイントディレクトリの encoder.json の内容です
type ModelSpec struct {
	Capability domain.Capability `json:"capability"`
	Inputs     []string          `json:"inputs"`
	Outputs    []OutputSpec      `json:"outputs"`
	// InputShape は動画入力のサンプル単位形状（テキスト系は省略）
	InputShape []int `json:"input_shape,omitempty"`
	// MaxLength はトークン列の上限（テキスト系のみ）
	MaxLength int `json:"max_length,omitempty"`
	// PadToMaxLength が true の場合は常に MaxLength まで詰めます
	PadToMaxLength bool `json:"pad_to_max_length,omitempty"`

	dir string
}

// LoadModelSpec は dir の encoder.json を読み込みます
func LoadModelSpec(dir string) (*ModelSpec, error) {
	data, err := os.ReadFile(filepath.Join(dir, SpecFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointMissing, filepath.Join(dir, SpecFileName))
		}
		return nil, fmt.Errorf("failed to read model spec: %w", err)
	}

	var spec ModelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse model spec %s: %w", dir, err)
	}
	spec.dir = dir

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate はモデル定義の整合性を検証します
func (s *ModelSpec) Validate() error {
	if !s.Capability.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEncoder, s.Capability)
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("model spec for %s has no inputs", s.Capability)
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("model spec for %s has no outputs", s.Capability)
	}
	seen := make(map[domain.Channel]bool, len(s.Outputs))
	for _, o := range s.Outputs {
		if o.Name == "" || o.Channel == "" {
			return fmt.Errorf("model spec for %s has an unnamed output", s.Capability)
		}
		if seen[o.Channel] {
			return fmt.Errorf("model spec for %s maps channel %s twice", s.Capability, o.Channel)
		}
		seen[o.Channel] = true
	}
	if s.Capability.IsVideo() {
		if len(s.InputShape) != 4 {
			return fmt.Errorf("model spec for %s needs a 4-d input_shape, got %v", s.Capability, s.InputShape)
		}
	} else if s.MaxLength <= 0 {
		return fmt.Errorf("model spec for %s needs max_length", s.Capability)
	}
	return nil
}

// Channels はチャネル宣言を返します
func (s *ModelSpec) Channels() []domain.ChannelSpec {
	out := make([]domain.ChannelSpec, len(s.Outputs))
	for i, o := range s.Outputs {
		out[i] = domain.ChannelSpec{Name: o.Channel, Shape: append([]int(nil), o.Shape...)}
	}
	return out
}

// OutputNames は ONNX の出力名を宣言順に返します
func (s *ModelSpec) OutputNames() []string {
	out := make([]string, len(s.Outputs))
	for i, o := range s.Outputs {
		out[i] = o.Name
	}
	return out
}

// ModelPath は precision に対応するモデルファイルのパスを返します。
// 半精度モデルがない場合は単精度モデルを返します。
func (s *ModelSpec) ModelPath(precision domain.Precision) string {
	if precision == domain.PrecisionReduced {
		reduced := filepath.Join(s.dir, ReducedModelFileName)
		if _, err := os.Stat(reduced); err == nil {
			return reduced
		}
	}
	return filepath.Join(s.dir, ModelFileName)
}

// TokenizerPath はトークナイザー定義のパスを返します
func (s *ModelSpec) TokenizerPath() string {
	return filepath.Join(s.dir, TokenizerFileName)
}

// Footprint は precision のモデルファイルのバイト数を返します
func (s *ModelSpec) Footprint(precision domain.Precision) int64 {
	info, err := os.Stat(s.ModelPath(precision))
	if err != nil {
		return 0
	}
	return info.Size()
}
