package domain

import "context"

// BatchSource は順序付きでバッチを供給します。終端では io.EOF を返します。
type BatchSource interface {
	// Next は次のバッチを返します
	Next(ctx context.Context) (Batch, error)
	// Len はデータセットのサンプル総数を返します
	Len() int
	// Dropped は読み込めずに除外したサンプルIDを返します
	Dropped() []string
}

// StoredUnit は永続化されたサンプル単位の出力です
type StoredUnit struct {
	ID     string
	Path   string
	Digest string
	Size   int64
}

// RecordStore は FeatureRecord をサンプルIDごとの保存単位に書き込みます
type RecordStore interface {
	Put(ctx context.Context, record FeatureRecord) (StoredUnit, error)
}

// CompletionLedger は保存済みのサンプルIDを記録します
type CompletionLedger interface {
	IsDone(id string) (bool, error)
	MarkDone(ctx context.Context, unit StoredUnit, runID string) error
}

// Catalog は保存済みレコードの検索用メタデータを登録します
type Catalog interface {
	Register(ctx context.Context, entry CatalogEntry) error
}

// CatalogEntry はカタログに登録する 1 件分の情報です
type CatalogEntry struct {
	RunID         string
	SampleID      string
	Path          string
	Digest        string
	Caption       string
	CaptionCoT    string
	ClipEmbedding []float32
	TextEmbedding []float32
}
