package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/jinford/latent-cache/internal/platform/database"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS feature_records (
	sample_id      TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	path           TEXT NOT NULL,
	digest         TEXT NOT NULL,
	caption        TEXT NOT NULL,
	caption_cot    TEXT NOT NULL,
	clip_embedding vector,
	text_embedding vector,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const upsertSQL = `
INSERT INTO feature_records (sample_id, run_id, path, digest, caption, caption_cot, clip_embedding, text_embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (sample_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	path = EXCLUDED.path,
	digest = EXCLUDED.digest,
	caption = EXCLUDED.caption,
	caption_cot = EXCLUDED.caption_cot,
	clip_embedding = EXCLUDED.clip_embedding,
	text_embedding = EXCLUDED.text_embedding,
	updated_at = now()`

const similarSQL = `
SELECT r.sample_id, r.caption, r.path, r.clip_embedding <=> q.clip_embedding AS distance
FROM feature_records r, (SELECT clip_embedding FROM feature_records WHERE sample_id = $1) q
WHERE r.sample_id <> $1
  AND r.clip_embedding IS NOT NULL
  AND q.clip_embedding IS NOT NULL
  AND vector_dims(r.clip_embedding) = vector_dims(q.clip_embedding)
ORDER BY distance
LIMIT $2`

// ErrNotFound はカタログに該当サンプルがない場合のエラー
var ErrNotFound = errors.New("catalog entry not found")

// Neighbor は類似検索の結果 1 件です
type Neighbor struct {
	SampleID string
	Caption  string
	Path     string
	Distance float64
}

// StoredEntry はカタログに登録済みの行です（埋め込みは含みません）
type StoredEntry struct {
	SampleID   string
	RunID      string
	Path       string
	Digest     string
	Caption    string
	CaptionCoT string
	UpdatedAt  time.Time
}

// CatalogRepository は保存済みレコードのメタデータと埋め込みを PostgreSQL に登録します
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository は新しいCatalogRepositoryを作成します
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// EnsureSchema は pgvector 拡張とテーブルを作成します
func (r *CatalogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure catalog schema: %w", err)
	}
	return nil
}

// Register はエントリを登録します。同じサンプルIDの並行登録はアドバイザリロックで直列化します。
func (r *CatalogRepository) Register(ctx context.Context, entry domain.CatalogEntry) error {
	if entry.SampleID == "" {
		return fmt.Errorf("failed to register catalog entry: empty sample id")
	}

	_, err := database.Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		if err := database.LockXact(ctx, tx, database.LockID("catalog", entry.SampleID)); err != nil {
			return struct{}{}, err
		}
		_, err := tx.Exec(ctx, upsertSQL,
			entry.SampleID,
			entry.RunID,
			entry.Path,
			entry.Digest,
			entry.Caption,
			entry.CaptionCoT,
			toVector(entry.ClipEmbedding),
			toVector(entry.TextEmbedding),
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to upsert catalog entry %s: %w", entry.SampleID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Get はサンプルIDのエントリを返します
func (r *CatalogRepository) Get(ctx context.Context, sampleID string) (*StoredEntry, error) {
	var e StoredEntry
	err := r.pool.QueryRow(ctx,
		`SELECT sample_id, run_id, path, digest, caption, caption_cot, updated_at FROM feature_records WHERE sample_id = $1`,
		sampleID,
	).Scan(&e.SampleID, &e.RunID, &e.Path, &e.Digest, &e.Caption, &e.CaptionCoT, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sampleID)
		}
		return nil, fmt.Errorf("failed to get catalog entry: %w", err)
	}
	return &e, nil
}

// Similar は sampleID のクリップ埋め込みにコサイン距離が近いサンプルを返します
func (r *CatalogRepository) Similar(ctx context.Context, sampleID string, limit int) ([]Neighbor, error) {
	if limit <= 0 {
		limit = 10
	}
	if _, err := r.Get(ctx, sampleID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, similarSQL, sampleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar samples: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.SampleID, &n.Caption, &n.Path, &n.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan similar sample: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate similar samples: %w", err)
	}
	return out, nil
}

// Count は登録済みの件数を返します
func (r *CatalogRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM feature_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count catalog entries: %w", err)
	}
	return n, nil
}

// toVector は空の埋め込みを NULL として扱います
func toVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

var _ domain.Catalog = (*CatalogRepository)(nil)
