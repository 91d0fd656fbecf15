package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// model は 1 つの ONNX グラフの重みとセッションを管理します。
// 重みは使う精度の分だけ構築時にホストへ読み込み、デバイス常駐時は CUDA セッションを保持します。
type model struct {
	rt     *Runtime
	spec   *ModelSpec
	logger *slog.Logger

	mu        sync.Mutex
	weights   map[domain.Precision][]byte
	session   *ort.DynamicAdvancedSession
	residency domain.Residency
	precision domain.Precision
}

func newModel(rt *Runtime, spec *ModelSpec, logger *slog.Logger) (*model, error) {
	m := &model{
		rt:        rt,
		spec:      spec,
		logger:    logger.With("capability", spec.Capability),
		weights:   make(map[domain.Precision][]byte, 2),
		residency: domain.ResidencyHost,
		precision: domain.PrecisionFull,
	}

	precisions := []domain.Precision{domain.PrecisionFull}
	if rt.Options().Precision == domain.PrecisionReduced {
		precisions = append(precisions, domain.PrecisionReduced)
	}
	for _, precision := range precisions {
		path := spec.ModelPath(precision)
		if precision == domain.PrecisionReduced && path == spec.ModelPath(domain.PrecisionFull) {
			// 半精度のグラフがない場合は完全精度の重みを共有する
			m.weights[precision] = m.weights[domain.PrecisionFull]
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointMissing, path)
			}
			return nil, fmt.Errorf("failed to read model weights: %w", err)
		}
		if err := m.checkGraph(data); err != nil {
			return nil, domain.Setup(fmt.Errorf("%s: %w", path, err))
		}
		m.weights[precision] = data
	}
	return m, nil
}

// checkGraph はグラフの入出力の要素型がエンコーダーの受け渡す型と一致するかを確認します
func (m *model) checkGraph(data []byte) error {
	if m.rt.inspect == nil {
		return nil
	}
	inputs, outputs, err := m.rt.inspect(data)
	if err != nil {
		return fmt.Errorf("failed to inspect graph: %w", err)
	}
	return checkGraphTypes(m.spec, inputs, outputs)
}

func checkGraphTypes(spec *ModelSpec, inputs, outputs []ort.InputOutputInfo) error {
	inputType := ort.TensorElementDataTypeInt64
	if spec.Capability.IsVideo() {
		inputType = ort.TensorElementDataTypeFloat
	}
	if err := checkElementTypes("input", spec.Inputs, inputs, inputType); err != nil {
		return err
	}
	return checkElementTypes("output", spec.OutputNames(), outputs, ort.TensorElementDataTypeFloat)
}

func checkElementTypes(kind string, names []string, infos []ort.InputOutputInfo, want ort.TensorElementDataType) error {
	byName := make(map[string]ort.InputOutputInfo, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}
	for _, name := range names {
		info, ok := byName[name]
		if !ok {
			return fmt.Errorf("graph has no %s %q", kind, name)
		}
		if info.DataType != want {
			return fmt.Errorf("%s %q has element type %v, want %v (reduced-precision graphs must keep float32 I/O)",
				kind, name, info.DataType, want)
		}
	}
	return nil
}

func (m *model) footprint(precision domain.Precision) int64 {
	return m.spec.Footprint(precision)
}

// weightsFor は precision の重みを返します。読み込んでいない精度は完全精度で代用します。
func (m *model) weightsFor(precision domain.Precision) ([]byte, domain.Precision) {
	if data, ok := m.weights[precision]; ok && data != nil {
		return data, precision
	}
	return m.weights[domain.PrecisionFull], domain.PrecisionFull
}

// moveTo は配置を切り替えます。デバイス常駐の場合はその精度の重みでセッションを作成します。
func (m *model) moveTo(ctx context.Context, residency domain.Residency, precision domain.Precision) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.weights == nil {
		return fmt.Errorf("model %s is closed", m.spec.Capability)
	}
	if m.residency == residency && m.precision == precision {
		if residency == domain.ResidencyHost || m.session != nil {
			return nil
		}
	}

	m.destroySession()
	m.residency = domain.ResidencyHost
	m.precision = domain.PrecisionFull

	if residency == domain.ResidencyDevice {
		data, actual := m.weightsFor(precision)
		session, err := m.newSession(data, domain.ResidencyDevice)
		if err != nil {
			return err
		}
		m.session = session
		m.residency = domain.ResidencyDevice
		m.precision = actual
	}

	m.logger.Debug("モデルを移動しました", "residency", m.residency, "precision", m.precision)
	return nil
}

// run は推論を実行し、出力をチャネルごとのテンソルに変換します。
// ホスト常駐でセッションがない場合は完全精度の CPU セッションを作成します。
func (m *model) run(ctx context.Context, inputs []ort.Value) (domain.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		if m.weights == nil {
			return nil, fmt.Errorf("model %s is closed", m.spec.Capability)
		}
		session, err := m.newSession(m.weights[domain.PrecisionFull], domain.ResidencyHost)
		if err != nil {
			return nil, err
		}
		m.session = session
	}

	outputs := make([]ort.Value, len(m.spec.Outputs))
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", m.spec.Capability, err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make(domain.EncoderOutput, len(outputs))
	for i, v := range outputs {
		t, err := toTensor(v)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", m.spec.Outputs[i].Name, err)
		}
		result[m.spec.Outputs[i].Channel] = t
	}
	return result, nil
}

func (m *model) newSession(weights []byte, residency domain.Residency) (*ort.DynamicAdvancedSession, error) {
	opts, err := m.rt.sessionOptions(residency)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(weights, m.spec.Inputs, m.spec.OutputNames(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", m.spec.Capability, err)
	}
	return session, nil
}

func (m *model) destroySession() {
	if m.session == nil {
		return
	}
	if err := m.session.Destroy(); err != nil {
		m.logger.Warn("セッションの破棄に失敗しました", "error", err)
	}
	m.session = nil
}

func (m *model) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroySession()
	m.weights = nil
	return nil
}

// toTensor は ONNX の出力値を float32 のテンソルにコピーします
func toTensor(v ort.Value) (domain.Tensor, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return domain.Tensor{}, fmt.Errorf("output tensor is not float32 type")
	}
	shape := make([]int, len(t.GetShape()))
	for i, d := range t.GetShape() {
		shape[i] = int(d)
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return domain.NewTensor(shape, data)
}

// newInputTensor は形状付きの入力テンソルを作成します
func newInputTensor[T ort.TensorData](shape []int, data []T) (*ort.Tensor[T], error) {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	t, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	return t, nil
}
