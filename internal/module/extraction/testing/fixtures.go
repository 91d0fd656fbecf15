package testing

import (
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

var (
	// ClipInputShape はテスト用の埋め込み動画入力形状 [frames, channels, height, width]
	ClipInputShape = []int{2, 3, 2, 2}
	// SyncInputShape はテスト用の同期動画入力形状
	SyncInputShape = []int{4, 3, 2, 2}
)

// TestEncoders はテスト用の 4 種類のモックエンコーダーを EncodeOrder の順で生成します
func TestEncoders() []*MockEncoder {
	return []*MockEncoder{
		{
			Cap:        domain.CapabilityVideoEmbed,
			Specs:      []domain.ChannelSpec{{Name: domain.ChannelMetaClip, Shape: []int{2, 4}}},
			Input:      ClipInputShape,
			WeightSize: 1000,
		},
		{
			Cap:        domain.CapabilityVideoSync,
			Specs:      []domain.ChannelSpec{{Name: domain.ChannelSync, Shape: []int{3, 4}}},
			Input:      SyncInputShape,
			WeightSize: 800,
		},
		{
			Cap: domain.CapabilityTextEmbed,
			Specs: []domain.ChannelSpec{
				{Name: domain.ChannelMetaClipTextGlobal, Shape: []int{4}},
				{Name: domain.ChannelMetaClipText, Shape: []int{5, 4}},
			},
			WeightSize: 600,
		},
		{
			Cap:        domain.CapabilityTextSeq,
			Specs:      []domain.ChannelSpec{{Name: domain.ChannelT5, Shape: []int{-1, 4}}},
			WeightSize: 1200,
		},
	}
}

// AsEncoders は domain.Encoder のスライスに変換します
func AsEncoders(mocks []*MockEncoder) []domain.Encoder {
	out := make([]domain.Encoder, len(mocks))
	for i, m := range mocks {
		out[i] = m
	}
	return out
}

// TestSample はテスト用のSampleを生成します
func TestSample(id string) domain.Sample {
	return domain.Sample{
		ID:         id,
		Caption:    "caption " + id,
		CaptionCoT: "reasoning caption " + id,
		ClipVideo:  filled(ClipInputShape, 0.25),
		SyncVideo:  filled(SyncInputShape, 0.5),
	}
}

// MalformedSample は動画テンソルのデータ長が形状と一致しないSampleを生成します
func MalformedSample(id string) domain.Sample {
	s := TestSample(id)
	s.ClipVideo.Data = s.ClipVideo.Data[:len(s.ClipVideo.Data)-1]
	return s
}

// TestBatches はサンプルを batchSize ごとに分割したバッチを生成します
func TestBatches(samples []domain.Sample, batchSize int) []domain.Batch {
	var batches []domain.Batch
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		batches = append(batches, domain.Batch{
			Index:   len(batches),
			Samples: samples[start:end],
		})
	}
	return batches
}

// TestRecord はテスト用のFeatureRecordを生成します
func TestRecord(id string) domain.FeatureRecord {
	return domain.FeatureRecord{
		ID:         id,
		Caption:    "caption " + id,
		CaptionCoT: "reasoning caption " + id,
		Features: map[domain.Channel]domain.Array{
			domain.ChannelMetaClip:           {Shape: []int{2, 4}, Data: seq(8)},
			domain.ChannelSync:               {Shape: []int{3, 4}, Data: seq(12)},
			domain.ChannelMetaClipTextGlobal: {Shape: []int{4}, Data: seq(4)},
			domain.ChannelMetaClipText:       {Shape: []int{5, 4}, Data: seq(20)},
			domain.ChannelT5:                 {Shape: []int{2, 4}, Data: seq(8)},
		},
	}
}

func filled(shape []int, v float32) domain.Tensor {
	t := domain.Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / 8
	}
	return out
}
