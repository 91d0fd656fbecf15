package domain

import "context"

// EncoderInput はエンコーダーへの入力です。動画系は Video、テキスト系は Texts を使います。
type EncoderInput struct {
	Video Tensor
	Texts []string
}

// Size はバッチサイズを返します
func (in EncoderInput) Size() int {
	if len(in.Texts) > 0 {
		return len(in.Texts)
	}
	return in.Video.Len()
}

// Bytes は入力が占めるおおよそのバイト数を返します
func (in EncoderInput) Bytes() int64 {
	n := int64(len(in.Video.Data)) * 4
	for _, t := range in.Texts {
		n += int64(len(t))
	}
	return n
}

// EncoderOutput はチャネル名ごとの出力テンソルです（先頭次元はバッチ）
type EncoderOutput map[Channel]Tensor

// Encoder は単一の能力を持つ事前学習済みモデルです。
// 配置（ホスト/デバイス）の変更は ResidencyManager だけが行います。
type Encoder interface {
	// Capability はエンコーダーの能力を返します
	Capability() Capability

	// Channels は出力チャネルとサンプル単位の形状を返します
	Channels() []ChannelSpec

	// InputShape は動画入力のサンプル単位形状 [frames, channels, height, width] を返します。
	// テキスト系は nil を返します。
	InputShape() []int

	// Footprint は指定精度でデバイスに置いた場合の重みのバイト数を返します
	Footprint(precision Precision) int64

	// MoveTo は重みを指定のメモリと精度に移します
	MoveTo(ctx context.Context, residency Residency, precision Precision) error

	// Encode は推論を実行します
	Encode(ctx context.Context, in EncoderInput) (EncoderOutput, error)

	// Close は保持しているリソースを解放します
	Close() error
}

// MemoryStats はデバイスメモリの使用状況です
type MemoryStats struct {
	// Allocated は現在確保中のバイト数
	Allocated int64
	// Reserved はアロケータがキャッシュしているバイト数（Allocated 以上）
	Reserved int64
	// Capacity は上限（0 は無制限）
	Capacity int64
}

// Device はアクセラレータのメモリを表します
type Device interface {
	// Name はデバイス名を返します
	Name() string
	// Available はデバイスが利用可能かを返します
	Available() bool
	// Reserve は owner 名義で bytes を確保します
	Reserve(owner string, bytes int64) error
	// Free は owner 名義の確保をすべて解放します
	Free(owner string)
	// Stats は現在の使用状況を返します
	Stats() MemoryStats
	// OwnerBytes は owner 名義で確保中のバイト数を返します
	OwnerBytes(owner string) int64
	// ReclaimCache は未使用のキャッシュをアロケータに返却させます
	ReclaimCache()
}

// RuntimeOptions はエンコーダー構築時に明示的に渡す不変の設定です
type RuntimeOptions struct {
	Precision       Precision
	Device          DeviceKind
	DeviceID        int
	CheckpointPaths map[Capability]string
	// DisableFastAttention は任意の高速化パスを無効にします
	DisableFastAttention bool
}

// CheckpointPath は Capability のチェックポイントパスを返します
func (o RuntimeOptions) CheckpointPath(c Capability) (string, bool) {
	p, ok := o.CheckpointPaths[c]
	return p, ok && p != ""
}
