package testing

import (
	"context"
	"io"
	"sync"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// MockSource はテスト用のモックBatchSourceです
type MockSource struct {
	Batches     []domain.Batch
	Total       int
	DroppedIDs  []string
	NextErrFunc func(index int) error

	mu  sync.Mutex
	pos int
}

// NewMockSource は batches を順に返す MockSource を作成します
func NewMockSource(batches []domain.Batch) *MockSource {
	total := 0
	var dropped []string
	for _, b := range batches {
		total += b.Len() + len(b.Dropped)
		for _, d := range b.Dropped {
			dropped = append(dropped, d.ID)
		}
	}
	return &MockSource{Batches: batches, Total: total, DroppedIDs: dropped}
}

// Next はNextのモック実装です
func (m *MockSource) Next(ctx context.Context) (domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return domain.Batch{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.NextErrFunc != nil {
		if err := m.NextErrFunc(m.pos); err != nil {
			return domain.Batch{}, err
		}
	}
	if m.pos >= len(m.Batches) {
		return domain.Batch{}, io.EOF
	}
	b := m.Batches[m.pos]
	m.pos++
	return b, nil
}

// Len はLenのモック実装です
func (m *MockSource) Len() int {
	return m.Total
}

// Dropped はDroppedのモック実装です
func (m *MockSource) Dropped() []string {
	return m.DroppedIDs
}

// MockRecordStore はテスト用のモックRecordStoreです
type MockRecordStore struct {
	PutFunc func(ctx context.Context, record domain.FeatureRecord) (domain.StoredUnit, error)

	mu      sync.Mutex
	records []domain.FeatureRecord
}

// Put はPutのモック実装です
func (m *MockRecordStore) Put(ctx context.Context, record domain.FeatureRecord) (domain.StoredUnit, error) {
	if m.PutFunc != nil {
		unit, err := m.PutFunc(ctx, record)
		if err != nil {
			return unit, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return domain.StoredUnit{ID: record.ID, Path: record.ID + ".npz", Digest: "digest-" + record.ID}, nil
}

// Records は保存されたレコードを返します
func (m *MockRecordStore) Records() []domain.FeatureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.FeatureRecord, len(m.records))
	copy(out, m.records)
	return out
}

// MockLedger はテスト用のモックCompletionLedgerです
type MockLedger struct {
	MarkDoneFunc func(ctx context.Context, unit domain.StoredUnit, runID string) error

	mu   sync.Mutex
	done map[string]string
}

// IsDone はIsDoneのモック実装です
func (m *MockLedger) IsDone(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.done[id]
	return ok, nil
}

// MarkDone はMarkDoneのモック実装です
func (m *MockLedger) MarkDone(ctx context.Context, unit domain.StoredUnit, runID string) error {
	if m.MarkDoneFunc != nil {
		if err := m.MarkDoneFunc(ctx, unit, runID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		m.done = make(map[string]string)
	}
	m.done[unit.ID] = runID
	return nil
}

// MockCatalog はテスト用のモックCatalogです
type MockCatalog struct {
	RegisterFunc func(ctx context.Context, entry domain.CatalogEntry) error

	mu      sync.Mutex
	entries []domain.CatalogEntry
}

// Register はRegisterのモック実装です
func (m *MockCatalog) Register(ctx context.Context, entry domain.CatalogEntry) error {
	if m.RegisterFunc != nil {
		if err := m.RegisterFunc(ctx, entry); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries は登録されたエントリを返します
func (m *MockCatalog) Entries() []domain.CatalogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CatalogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
