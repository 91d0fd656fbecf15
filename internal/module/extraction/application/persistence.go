package application

import (
	"context"
	"fmt"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// PersistenceWriter は FeatureRecord を保存し、完了台帳とカタログに反映します
type PersistenceWriter struct {
	store   domain.RecordStore
	ledger  domain.CompletionLedger
	catalog domain.Catalog
}

// PersistenceOption は PersistenceWriter のオプション設定
type PersistenceOption func(*PersistenceWriter)

// WithLedger は完了台帳を設定します
func WithLedger(ledger domain.CompletionLedger) PersistenceOption {
	return func(w *PersistenceWriter) {
		w.ledger = ledger
	}
}

// WithCatalog はカタログを設定します
func WithCatalog(catalog domain.Catalog) PersistenceOption {
	return func(w *PersistenceWriter) {
		w.catalog = catalog
	}
}

// NewPersistenceWriter は新しいPersistenceWriterを作成します
func NewPersistenceWriter(store domain.RecordStore, opts ...PersistenceOption) *PersistenceWriter {
	w := &PersistenceWriter{store: store}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write は 1 サンプル分のレコードを保存します。
// 保存後に台帳やカタログへの反映が失敗した場合は、保存結果と ErrBookkeeping を返します。
func (w *PersistenceWriter) Write(ctx context.Context, runID string, record domain.FeatureRecord) (domain.StoredUnit, error) {
	if err := record.Validate(); err != nil {
		return domain.StoredUnit{}, err
	}

	unit, err := w.store.Put(ctx, record)
	if err != nil {
		return domain.StoredUnit{}, fmt.Errorf("failed to store record %s: %w", record.ID, err)
	}

	if w.ledger != nil {
		if err := w.ledger.MarkDone(ctx, unit, runID); err != nil {
			return unit, fmt.Errorf("%w: failed to mark %s as done: %w", domain.ErrBookkeeping, record.ID, err)
		}
	}

	if w.catalog != nil {
		entry := domain.CatalogEntry{
			RunID:         runID,
			SampleID:      record.ID,
			Path:          unit.Path,
			Digest:        unit.Digest,
			Caption:       record.Caption,
			CaptionCoT:    record.CaptionCoT,
			ClipEmbedding: record.Features[domain.ChannelMetaClip].MeanPool(),
			TextEmbedding: record.Features[domain.ChannelMetaClipTextGlobal].MeanPool(),
		}
		if err := w.catalog.Register(ctx, entry); err != nil {
			return unit, fmt.Errorf("%w: failed to register %s in catalog: %w", domain.ErrBookkeeping, record.ID, err)
		}
	}

	return unit, nil
}
