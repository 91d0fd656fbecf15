package application

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Progress は抽出処理の進捗状況
type Progress struct {
	Total                  int
	Completed              int
	Failed                 int
	ElapsedTime            time.Duration
	EstimatedTimeRemaining time.Duration
}

// String は進捗状況を文字列で返す
func (p Progress) String() string {
	percentage := 0.0
	if p.Total > 0 {
		percentage = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return fmt.Sprintf("%d/%d samples (%.1f%%), failed: %d, elapsed: %s, eta: %s",
		p.Completed, p.Total, percentage, p.Failed,
		p.ElapsedTime.Round(time.Second), p.EstimatedTimeRemaining.Round(time.Second))
}

// ProgressTracker はサンプル単位の進捗を追跡し、every 件ごとにログ出力する
type ProgressTracker struct {
	mu        sync.Mutex
	startTime time.Time
	logger    *slog.Logger
	every     int

	total     int
	completed int
	failed    int
	lastLog   int
}

// NewProgressTracker は新しいProgressTrackerを作成する
func NewProgressTracker(total, every int, logger *slog.Logger) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{
		startTime: time.Now(),
		logger:    logger,
		every:     every,
		total:     total,
	}
}

// OnBatch はバッチ完了時に呼ばれるコールバック
func (pt *ProgressTracker) OnBatch(completed, failed int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.completed += completed
	pt.failed += failed

	done := pt.completed + pt.failed
	if pt.every <= 0 || done-pt.lastLog < pt.every {
		return
	}
	pt.lastLog = done - done%pt.every

	progress := pt.progressLocked()
	pt.logger.Info("進捗",
		"completed", progress.Completed,
		"failed", progress.Failed,
		"total", progress.Total,
		"elapsed", progress.ElapsedTime.Round(time.Second),
		"eta", progress.EstimatedTimeRemaining.Round(time.Second),
	)
}

// Progress は現在の進捗状況を返す
func (pt *ProgressTracker) Progress() Progress {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.progressLocked()
}

// progressLocked はロック取得済みの状態で進捗情報を返す
func (pt *ProgressTracker) progressLocked() Progress {
	elapsed := time.Since(pt.startTime)
	var eta time.Duration

	done := pt.completed + pt.failed
	if done > 0 && pt.total > done {
		avgTime := elapsed / time.Duration(done)
		eta = avgTime * time.Duration(pt.total-done)
	}

	return Progress{
		Total:                  pt.total,
		Completed:              pt.completed,
		Failed:                 pt.failed,
		ElapsedTime:            elapsed,
		EstimatedTimeRemaining: eta,
	}
}
