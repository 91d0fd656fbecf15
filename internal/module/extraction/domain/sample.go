package domain

import (
	"errors"
	"fmt"
)

// Sample はデータセットが生成する 1 件の動画/テキストペアです。生成後は変更しません。
type Sample struct {
	ID         string
	Caption    string
	CaptionCoT string
	// ClipVideo は埋め込み用の動画テンソル [frames, channels, height, width]
	ClipVideo Tensor
	// SyncVideo は時間同期用の動画テンソル [frames, channels, height, width]
	SyncVideo Tensor
}

// Batch は照合済みの Sample の順序付き集合です
type Batch struct {
	Index   int
	Samples []Sample
	// Dropped はこのバッチに割り当てられたが読み込めなかったサンプル
	Dropped []DroppedSample
}

// DroppedSample は読み込めずにバッチから除外したサンプルです
type DroppedSample struct {
	ID  string
	Err error
}

// LoadFailure は除外したサンプルをまとめた BatchError を返します。除外がなければ nil です。
func (b Batch) LoadFailure() *BatchError {
	if len(b.Dropped) == 0 {
		return nil
	}
	ids := make([]string, len(b.Dropped))
	errs := make([]error, len(b.Dropped))
	for i, d := range b.Dropped {
		ids[i] = d.ID
		err := d.Err
		if err == nil {
			err = ErrMalformedSample
		}
		errs[i] = fmt.Errorf("%s: %w", d.ID, err)
	}
	return &BatchError{
		BatchIndex: b.Index,
		SampleIDs:  ids,
		Stage:      StageLoad,
		Err:        errors.Join(errs...),
	}
}

// IDs はバッチ内のサンプルIDを順序通りに返します
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		ids[i] = s.ID
	}
	return ids
}

// Len はサンプル数を返します
func (b Batch) Len() int {
	return len(b.Samples)
}

// Validate はバッチが空でなく、IDのないサンプルを含まないことを検証します
func (b Batch) Validate() error {
	if len(b.Samples) == 0 {
		return fmt.Errorf("%w: batch %d is empty", ErrMalformedSample, b.Index)
	}
	seen := make(map[string]struct{}, len(b.Samples))
	for i, s := range b.Samples {
		if s.ID == "" {
			return fmt.Errorf("%w: batch %d sample %d has no id", ErrMalformedSample, b.Index, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: batch %d contains duplicate id %q", ErrMalformedSample, b.Index, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Captions はキャプションを順序通りに返します
func (b Batch) Captions() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Caption
	}
	return out
}

// CaptionsCoT は推論キャプションを順序通りに返します
func (b Batch) CaptionsCoT() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.CaptionCoT
	}
	return out
}

// FeatureRecord は 1 サンプル分の名前付き数値出力です
type FeatureRecord struct {
	ID         string
	Caption    string
	CaptionCoT string
	Features   map[Channel]Array
}

// Validate は全数値チャネルが揃っていて空でないことを検証します
func (r FeatureRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: record has no id", ErrMalformedSample)
	}
	for _, ch := range FeatureChannels {
		arr, ok := r.Features[ch]
		if !ok {
			return fmt.Errorf("%w: record %q is missing channel %s", ErrShapeMismatch, r.ID, ch)
		}
		if arr.Len() == 0 {
			return fmt.Errorf("%w: record %q has empty channel %s", ErrShapeMismatch, r.ID, ch)
		}
	}
	return nil
}
