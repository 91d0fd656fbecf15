package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// FileName は出力ディレクトリ内の台帳ファイル名
const FileName = ".ledger.db"

var bucketCompleted = []byte("completed")

// Completion は保存済みサンプル 1 件分の記録です
type Completion struct {
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	RunID     string    `json:"run_id"`
	WrittenAt time.Time `json:"written_at"`
}

// Ledger は保存済みサンプルIDを bbolt に記録する完了台帳です
type Ledger struct {
	db *bbolt.DB
}

// Open は dir 内の台帳を開きます（存在しない場合は作成）
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, FileName), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCompleted)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// IsDone は id が保存済みで、かつ出力ファイルが残っているかを返します
func (l *Ledger) IsDone(id string) (bool, error) {
	c, err := l.Get(id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	if _, err := os.Stat(c.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", c.Path, err)
	}
	return true, nil
}

// Get は id の記録を返します。未記録の場合は nil を返します。
func (l *Ledger) Get(id string) (*Completion, error) {
	var c *Completion
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCompleted).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &Completion{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry %s: %w", id, err)
	}
	return c, nil
}

// MarkDone は保存済みとして記録します
func (l *Ledger) MarkDone(ctx context.Context, unit domain.StoredUnit, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Completion{
		Path:      unit.Path,
		Digest:    unit.Digest,
		Size:      unit.Size,
		RunID:     runID,
		WrittenAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCompleted).Put([]byte(unit.ID), data)
	})
}

// Count は記録済みの件数を返します
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketCompleted).Stats().KeyN
		return nil
	})
	return n, err
}

// Close は台帳を閉じます
func (l *Ledger) Close() error {
	return l.db.Close()
}

var _ domain.CompletionLedger = (*Ledger)(nil)
