package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/npz"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

const (
	clipSuffix = ".clip.npy"
	syncSuffix = ".sync.npy"
)

// Config はローダーの設定です
type Config struct {
	// Root はサンプルテンソル（<id>.clip.npy, <id>.sync.npy）のディレクトリ
	Root      string
	BatchSize int
	// Workers は 1 バッチ内で並行に読み込むサンプル数
	Workers int
	// Prefetch は先読みするバッチ数
	Prefetch int
	// Timeout は Next が 1 バッチを待つ上限
	Timeout time.Duration
	// ClipFrames と SyncFrames はフレーム数の上限（0 は無制限）
	ClipFrames int
	SyncFrames int
	// Skip が true を返したサンプルは読み込まない
	Skip func(id string) bool
}

// DefaultConfig はデフォルト設定を返します
func DefaultConfig() Config {
	return Config{
		BatchSize: 2,
		Workers:   8,
		Prefetch:  2,
		Timeout:   5 * time.Minute,
	}
}

// FrameBudget は動画長から各エンコーダーのフレーム数上限を計算します
func FrameBudget(durationSec float64) (clipFrames, syncFrames int) {
	return int(8 * durationSec), int(25 * durationSec)
}

// Loader はマニフェストの行からバッチを先読みして供給します
type Loader struct {
	rows    []Row
	cfg     Config
	logger  *slog.Logger
	skipped int

	startOnce sync.Once
	cancel    context.CancelFunc
	results   chan domain.Batch
	done      chan struct{}

	mu      sync.Mutex
	dropped []string
}

// NewLoader は新しいLoaderを作成します
func NewLoader(rows []Row, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	l := &Loader{cfg: cfg, logger: logger.With("component", "loader")}
	for _, row := range rows {
		if cfg.Skip != nil && cfg.Skip(row.ID) {
			l.skipped++
			continue
		}
		l.rows = append(l.rows, row)
	}
	return l
}

// Len は読み込み対象のサンプル数を返します
func (l *Loader) Len() int {
	return len(l.rows)
}

// Skipped は Skip によって除外したサンプル数を返します
func (l *Loader) Skipped() int {
	return l.skipped
}

// Dropped は読み込みに失敗して除外したサンプルIDを返します
func (l *Loader) Dropped() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.dropped))
	copy(out, l.dropped)
	return out
}

// Next は次のバッチを返します。終端では io.EOF、Timeout を超えた場合は ErrLoaderTimeout を返します。
func (l *Loader) Next(ctx context.Context) (domain.Batch, error) {
	l.startOnce.Do(l.start)

	var timeout <-chan time.Time
	if l.cfg.Timeout > 0 {
		timer := time.NewTimer(l.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case batch, ok := <-l.results:
		if !ok {
			return domain.Batch{}, io.EOF
		}
		return batch, nil
	case <-ctx.Done():
		return domain.Batch{}, ctx.Err()
	case <-timeout:
		return domain.Batch{}, fmt.Errorf("%w: no batch within %s", domain.ErrLoaderTimeout, l.cfg.Timeout)
	}
}

// Close は先読みを停止します
func (l *Loader) Close() error {
	l.startOnce.Do(func() {})
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

func (l *Loader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.results = make(chan domain.Batch, l.cfg.Prefetch)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		defer close(l.results)

		index := 0
		for start := 0; start < len(l.rows); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(l.rows))
			samples, dropped, err := l.loadBatch(ctx, l.rows[start:end])
			if err != nil {
				return
			}

			// 全サンプルが除外されたバッチも失敗を報告するために送る
			select {
			case l.results <- domain.Batch{Index: index, Samples: samples, Dropped: dropped}:
				index++
			case <-ctx.Done():
				return
			}
		}
	}()
}

// loadBatch はサンプルを並行に読み込みます。読み込めないサンプルは除外し、dropped として返します。
func (l *Loader) loadBatch(ctx context.Context, rows []Row) ([]domain.Sample, []domain.DroppedSample, error) {
	loaded := make([]*domain.Sample, len(rows))
	failures := make([]error, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := l.loadSample(row)
			if err != nil {
				l.drop(row.ID, err)
				failures[i] = err
				return nil
			}
			loaded[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	samples := make([]domain.Sample, 0, len(rows))
	var dropped []domain.DroppedSample
	for i, s := range loaded {
		switch {
		case s != nil:
			samples = append(samples, *s)
		case failures[i] != nil:
			dropped = append(dropped, domain.DroppedSample{ID: rows[i].ID, Err: failures[i]})
		}
	}
	return samples, dropped, nil
}

func (l *Loader) loadSample(row Row) (domain.Sample, error) {
	if row.ID == "" {
		return domain.Sample{}, fmt.Errorf("%w: empty id", domain.ErrMalformedSample)
	}

	clip, err := l.loadVideo(filepath.Join(l.cfg.Root, row.ID+clipSuffix), l.cfg.ClipFrames)
	if err != nil {
		return domain.Sample{}, err
	}
	syncVideo, err := l.loadVideo(filepath.Join(l.cfg.Root, row.ID+syncSuffix), l.cfg.SyncFrames)
	if err != nil {
		return domain.Sample{}, err
	}

	return domain.Sample{
		ID:         row.ID,
		Caption:    row.Caption,
		CaptionCoT: row.CaptionCoT,
		ClipVideo:  clip,
		SyncVideo:  syncVideo,
	}, nil
}

// loadVideo は [frames, ...] のテンソルを読み込み、frames を上限で切り詰めます
func (l *Loader) loadVideo(path string, frames int) (domain.Tensor, error) {
	a, err := npz.ReadArray(path)
	if err != nil {
		return domain.Tensor{}, err
	}
	t, err := domain.NewTensor(a.Shape, a.Data)
	if err != nil {
		return domain.Tensor{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(t.Shape) == 0 {
		return domain.Tensor{}, fmt.Errorf("%w: %s is a scalar", domain.ErrMalformedSample, path)
	}
	if frames <= 0 {
		return t, nil
	}
	if t.Shape[0] < frames {
		return domain.Tensor{}, fmt.Errorf("%w: %s has %d frames, want %d", domain.ErrMalformedSample, path, t.Shape[0], frames)
	}
	per := len(t.Data) / max(t.Shape[0], 1)
	t.Shape[0] = frames
	t.Data = t.Data[:frames*per]
	return t, nil
}

func (l *Loader) drop(id string, err error) {
	l.mu.Lock()
	l.dropped = append(l.dropped, id)
	l.mu.Unlock()
	l.logger.Warn("サンプルを読み込めないため除外します", "id", id, "error", err)
}

var _ domain.BatchSource = (*Loader)(nil)
