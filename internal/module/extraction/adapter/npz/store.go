package npz

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// Ext は保存単位の拡張子
const Ext = ".npz"

// entryTime は全エントリに固定で設定する更新時刻（zip の最小値）
var entryTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Store は FeatureRecord をサンプルIDごとの .npz ファイルに保存します
type Store struct {
	dir string
}

// NewStore は新しいStoreを作成します
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir は保存先ディレクトリを返します
func (s *Store) Dir() string {
	return s.dir
}

// PathFor はサンプルIDの保存先パスを返します
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

// FileName はサンプルIDから一意なファイル名を返します
func FileName(id string) string {
	return url.PathEscape(id) + Ext
}

// Put はレコードを書き込みます。一時ファイルに書いてから rename するため、
// 途中で中断されても既存の出力が壊れることはありません。
func (s *Store) Put(ctx context.Context, record domain.FeatureRecord) (domain.StoredUnit, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredUnit{}, err
	}
	if record.ID == "" {
		return domain.StoredUnit{}, fmt.Errorf("%w: record has no id", domain.ErrMalformedSample)
	}

	data, err := Encode(record)
	if err != nil {
		return domain.StoredUnit{}, err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return domain.StoredUnit{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := s.PathFor(record.ID)
	if err := writeAtomic(s.dir, path, data); err != nil {
		return domain.StoredUnit{}, err
	}

	sum := sha256.Sum256(data)
	return domain.StoredUnit{
		ID:     record.ID,
		Path:   path,
		Digest: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
	}, nil
}

// Encode はレコードを決定的な .npz バイト列にエンコードします
func Encode(record domain.FeatureRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, payload []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name + ".npy",
			Method:   zip.Store,
			Modified: entryTime,
		})
		if err != nil {
			return fmt.Errorf("failed to create entry %s: %w", name, err)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", name, err)
		}
		return nil
	}

	if err := add("id", encodeString(record.ID)); err != nil {
		return nil, err
	}
	if err := add(string(domain.ChannelCaption), encodeString(record.Caption)); err != nil {
		return nil, err
	}
	if err := add(string(domain.ChannelCaptionCoT), encodeString(record.CaptionCoT)); err != nil {
		return nil, err
	}
	for _, ch := range channelOrder(record.Features) {
		arr := record.Features[ch]
		if err := add(string(ch), encodeFloat32(arr.Shape, arr.Data)); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// channelOrder は既知チャネルを定義順に、それ以外を名前順に並べます
func channelOrder(features map[domain.Channel]domain.Array) []domain.Channel {
	order := make([]domain.Channel, 0, len(features))
	for _, ch := range domain.FeatureChannels {
		if _, ok := features[ch]; ok {
			order = append(order, ch)
		}
	}
	var extra []domain.Channel
	for ch := range features {
		if !slices.Contains(domain.FeatureChannels, ch) {
			extra = append(extra, ch)
		}
	}
	slices.Sort(extra)
	return append(order, extra...)
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*"+Ext)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

var _ domain.RecordStore = (*Store)(nil)
