package domain

// Capability はエンコーダーが提供する単一の能力を表します
type Capability string

const (
	// CapabilityVideoEmbed は動画フレームの埋め込み（MetaCLIP 画像エンコーダー）
	CapabilityVideoEmbed Capability = "video-embed"
	// CapabilityVideoSync は時間同期特徴（Synchformer）
	CapabilityVideoSync Capability = "video-sync"
	// CapabilityTextEmbed はキャプションの埋め込み（MetaCLIP テキストエンコーダー）
	CapabilityTextEmbed Capability = "text-embed"
	// CapabilityTextSeq は推論キャプションの系列エンコード（T5 エンコーダー）
	CapabilityTextSeq Capability = "text-seq"
)

// EncodeOrder はバッチごとのエンコーダー呼び出し順序です。
// この順序がデバイス常駐の受け渡し順序を決めます。
var EncodeOrder = []Capability{
	CapabilityVideoEmbed,
	CapabilityVideoSync,
	CapabilityTextEmbed,
	CapabilityTextSeq,
}

// IsValid は既知の Capability かどうかを返します
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityVideoEmbed, CapabilityVideoSync, CapabilityTextEmbed, CapabilityTextSeq:
		return true
	}
	return false
}

// IsVideo は動画テンソルを入力とする Capability かどうかを返します
func (c Capability) IsVideo() bool {
	return c == CapabilityVideoEmbed || c == CapabilityVideoSync
}

// Residency はエンコーダーの重みが置かれているメモリ
type Residency string

const (
	ResidencyHost   Residency = "host"
	ResidencyDevice Residency = "device"
)

// Precision はエンコーダーの数値精度
type Precision string

const (
	PrecisionFull    Precision = "full"
	PrecisionReduced Precision = "reduced"
)

// ParsePrecision は文字列から Precision を解釈します
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case PrecisionFull, PrecisionReduced:
		return Precision(s), nil
	case "":
		return PrecisionFull, nil
	}
	return "", &InvalidValueError{Field: "precision", Value: s}
}

// DeviceKind は計算に使うデバイスの種類
type DeviceKind string

const (
	DeviceKindHost        DeviceKind = "host"
	DeviceKindAccelerator DeviceKind = "accelerator"
)

// ParseDeviceKind は文字列から DeviceKind を解釈します
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch DeviceKind(s) {
	case DeviceKindHost, DeviceKindAccelerator:
		return DeviceKind(s), nil
	case "":
		return DeviceKindAccelerator, nil
	}
	return "", &InvalidValueError{Field: "device", Value: s}
}

// Channel は FeatureRecord 内の名前付き特徴チャネル
type Channel string

const (
	ChannelCaption            Channel = "caption"
	ChannelCaptionCoT         Channel = "caption_cot"
	ChannelMetaClip           Channel = "metaclip_features"
	ChannelSync               Channel = "sync_features"
	ChannelMetaClipTextGlobal Channel = "metaclip_global_text_features"
	ChannelMetaClipText       Channel = "metaclip_text_features"
	ChannelT5                 Channel = "t5_features"
)

// FeatureChannels は数値チャネルの永続化順序です
var FeatureChannels = []Channel{
	ChannelMetaClip,
	ChannelSync,
	ChannelMetaClipTextGlobal,
	ChannelMetaClipText,
	ChannelT5,
}

// ChannelSpec はエンコーダーが出力するチャネルとサンプル単位の形状を宣言します。
// Shape の -1 は可変長の次元を表します。
type ChannelSpec struct {
	Name  Channel
	Shape []int
}

// Matches は与えられたサンプル単位の形状が宣言と一致するかを返します
func (s ChannelSpec) Matches(shape []int) bool {
	if len(shape) != len(s.Shape) {
		return false
	}
	for i, d := range s.Shape {
		if d >= 0 && shape[i] != d {
			return false
		}
	}
	return true
}
