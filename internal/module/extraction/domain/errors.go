package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSetup はエンコーダー構築やウォームアップの失敗（致命的）
	ErrSetup = errors.New("setup failed")

	// ErrEmptyDataset はデータセットが空の場合のエラー（致命的）
	ErrEmptyDataset = errors.New("empty dataset")

	// ErrLoaderTimeout はバッチの読み込みがタイムアウトした場合のエラー（致命的）
	ErrLoaderTimeout = errors.New("loader timed out")

	// ErrCheckpointMissing はチェックポイントが見つからない場合のエラー
	ErrCheckpointMissing = errors.New("checkpoint missing")

	// ErrUnknownEncoder は未登録の Capability を要求された場合のエラー
	ErrUnknownEncoder = errors.New("unknown encoder")

	// ErrShapeMismatch はテンソル形状が期待と異なる場合のエラー
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMalformedSample は不正なサンプルの場合のエラー
	ErrMalformedSample = errors.New("malformed sample")

	// ErrDeviceOutOfMemory はデバイスメモリが不足した場合のエラー
	ErrDeviceOutOfMemory = errors.New("device out of memory")

	// ErrLeaseReleased は解放済みのリースを使用した場合のエラー
	ErrLeaseReleased = errors.New("lease already released")

	// ErrBookkeeping は出力の保存後に完了台帳やカタログへの反映が失敗した場合のエラー。
	// 出力ファイル自体は有効です。
	ErrBookkeeping = errors.New("bookkeeping failed")
)

// InvalidValueError は設定値が不正な場合のエラー
type InvalidValueError struct {
	Field string
	Value string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// FailureStage はバッチ処理が失敗した段階
type FailureStage string

const (
	StageLoad        FailureStage = "load"
	StageEncode      FailureStage = "encode"
	StagePersist     FailureStage = "persist"
	StageBookkeeping FailureStage = "bookkeeping"
	StagePanic       FailureStage = "panic"
)

// BatchError は 1 バッチの回復可能な失敗です
type BatchError struct {
	BatchIndex int
	SampleIDs  []string
	Stage      FailureStage
	Capability Capability
	Err        error
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %d (%s", e.BatchIndex, e.Stage)
	if e.Capability != "" {
		fmt.Fprintf(&b, ", %s", e.Capability)
	}
	fmt.Fprintf(&b, ") ids=[%s]: %v", strings.Join(e.SampleIDs, ","), e.Err)
	return b.String()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// EncodeError は特定のエンコーダーで発生したエラーです
type EncodeError struct {
	Capability Capability
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Setup は err を ErrSetup でラップします
func Setup(err error) error {
	if err == nil || errors.Is(err, ErrSetup) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSetup, err)
}
