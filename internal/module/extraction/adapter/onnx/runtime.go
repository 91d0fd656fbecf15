package onnx

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// Runtime は ONNX Runtime の環境と実行プロバイダーの設定を保持します
type Runtime struct {
	opts   domain.RuntimeOptions
	logger *slog.Logger

	// inspect はグラフの入出力定義を返します（環境の初期化後のみ設定）
	inspect func(data []byte) (inputs, outputs []ort.InputOutputInfo, err error)

	mu          sync.Mutex
	initialized bool
	cuda        bool
}

// NewRuntime は共有ライブラリを読み込み、ONNX Runtime 環境を初期化します
func NewRuntime(libraryPath string, opts domain.RuntimeOptions, logger *slog.Logger) (*Runtime, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	rt := &Runtime{
		opts:        opts,
		logger:      logger.With("component", "onnx"),
		inspect:     ort.GetInputOutputInfoWithONNXData,
		initialized: true,
	}
	if opts.Device == domain.DeviceKindAccelerator {
		rt.cuda = detectCUDA()
	}
	rt.logger.Info("ONNX Runtime を初期化しました",
		"cuda", rt.cuda,
		"device_id", opts.DeviceID,
	)
	return rt, nil
}

// CUDAAvailable は CUDA 実行プロバイダーが利用可能かを返します
func (r *Runtime) CUDAAvailable() bool {
	return r.cuda
}

// Options はエンコーダー構築時の設定を返します
func (r *Runtime) Options() domain.RuntimeOptions {
	return r.opts
}

// Close は ONNX Runtime 環境を破棄します
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy ONNX environment: %w", err)
	}
	return nil
}

// sessionOptions は residency に応じたセッション設定を作成します
func (r *Runtime) sessionOptions(residency domain.Residency) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	var level ort.GraphOptimizationLevel = ort.GraphOptimizationLevelEnableAll
	if r.opts.DisableFastAttention {
		level = ort.GraphOptimizationLevelEnableBasic
	}
	if err := opts.SetGraphOptimizationLevel(level); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to set graph optimization: %w", err)
	}

	if residency != domain.ResidencyDevice {
		return opts, nil
	}
	if !r.cuda {
		opts.Destroy()
		return nil, fmt.Errorf("failed to place session on device: CUDA is not available")
	}

	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer cudaOpts.Destroy()

	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(r.opts.DeviceID)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to update CUDA options: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to append CUDA provider: %w", err)
	}
	return opts, nil
}

func detectCUDA() bool {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return false
	}
	cudaOpts.Destroy()
	return true
}
