package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// RunState は Runner の状態
type RunState string

const (
	RunStateIdle     RunState = "idle"
	RunStateRunning  RunState = "running"
	RunStateDraining RunState = "draining"
	RunStateStopped  RunState = "stopped"
)

// RunSummary は 1 回の実行結果です
type RunSummary struct {
	RunID          string
	Total          int
	Processed      int
	SkippedBatches int
	FailedIDs      []string
	Dropped        []string
	// Unrecorded は出力は書き込めたが台帳やカタログに反映できなかったサンプル
	Unrecorded     []string
	BatchErrors    []*domain.BatchError
	Interrupted    bool
	Duration       time.Duration
}

// String は実行結果を 1 行で返します
func (s RunSummary) String() string {
	msg := fmt.Sprintf("Processed %d/%d samples (skipped batches: %d, failed samples: %d, dropped: %d) in %s",
		s.Processed, s.Total, s.SkippedBatches, len(s.FailedIDs), len(s.Dropped), s.Duration.Round(time.Millisecond))
	if len(s.Unrecorded) > 0 {
		msg += fmt.Sprintf(" (unrecorded: %d)", len(s.Unrecorded))
	}
	if s.Interrupted {
		msg += " [interrupted]"
	}
	return msg
}

// Runner はバッチを順に処理し、1 バッチの失敗が実行全体を止めないようにします
type Runner struct {
	extractor     *Extractor
	writer        *PersistenceWriter
	device        domain.Device
	failures      *FailureLog
	logger        *slog.Logger
	progressEvery int
	stateObserver func(RunState)

	mu    sync.Mutex
	state RunState
}

// RunnerOption は Runner のオプション設定
type RunnerOption func(*Runner)

// WithFailureLog は失敗バッチの記録先を設定します
func WithFailureLog(failures *FailureLog) RunnerOption {
	return func(r *Runner) {
		r.failures = failures
	}
}

// WithProgressEvery は進捗ログの間隔（サンプル数）を設定します
func WithProgressEvery(every int) RunnerOption {
	return func(r *Runner) {
		r.progressEvery = every
	}
}

// WithStateObserver は状態遷移の通知先を設定します
func WithStateObserver(observer func(RunState)) RunnerOption {
	return func(r *Runner) {
		r.stateObserver = observer
	}
}

// NewRunner は新しいRunnerを作成します
func NewRunner(extractor *Extractor, writer *PersistenceWriter, device domain.Device, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		extractor:     extractor,
		writer:        writer,
		device:        device,
		logger:        logger,
		progressEvery: 100,
		state:         RunStateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State は現在の状態を返します
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(state RunState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	observer := r.stateObserver
	r.mu.Unlock()

	r.logger.Debug("状態遷移", "state", state)
	if observer != nil {
		observer(state)
	}
}

// Run は source が尽きるか中断されるまでバッチを処理します。
// 空のデータセットと読み込みエラーは致命的エラーとして返します。
// 中断された場合はエラーを返さず、RunSummary.Interrupted を立てます。
func (r *Runner) Run(ctx context.Context, source domain.BatchSource) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{
		RunID: uuid.NewString(),
		Total: source.Len(),
	}
	finish := func() *RunSummary {
		summary.Dropped = source.Dropped()
		summary.Duration = time.Since(start)
		r.setState(RunStateStopped)
		return summary
	}

	if summary.Total == 0 {
		finish()
		return summary, domain.ErrEmptyDataset
	}

	r.setState(RunStateRunning)
	r.logger.Info("抽出を開始", "run_id", summary.RunID, "samples", summary.Total)
	tracker := NewProgressTracker(summary.Total, r.progressEvery, r.logger)

	for {
		if ctx.Err() != nil {
			r.drain(summary)
			break
		}

		batch, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				r.drain(summary)
				break
			}
			finish()
			return summary, fmt.Errorf("failed to load batch: %w", err)
		}

		failed := 0
		if loadErr := batch.LoadFailure(); loadErr != nil {
			failed += len(loadErr.SampleIDs)
			summary.BatchErrors = append(summary.BatchErrors, loadErr)
			r.reportFailure(summary.RunID, loadErr)
		}
		if batch.Len() == 0 {
			summary.SkippedBatches++
			tracker.OnBatch(0, failed)
			continue
		}

		written, batchErrs := r.processBatch(ctx, summary.RunID, batch)
		summary.Processed += written

		interrupted := false
		for _, batchErr := range batchErrs {
			if ctx.Err() != nil && errors.Is(batchErr, ctx.Err()) {
				interrupted = true
				continue
			}
			switch batchErr.Stage {
			case domain.StageBookkeeping:
				// 出力は有効なので失敗には数えない
				summary.Unrecorded = append(summary.Unrecorded, batchErr.SampleIDs...)
			case domain.StagePersist:
				// 書き込み済みのサンプルは失敗に含めない
				lost := batchErr.SampleIDs[min(written, len(batchErr.SampleIDs)):]
				summary.SkippedBatches++
				summary.FailedIDs = append(summary.FailedIDs, lost...)
				failed += len(lost)
			default:
				summary.SkippedBatches++
				summary.FailedIDs = append(summary.FailedIDs, batchErr.SampleIDs...)
				failed += len(batchErr.SampleIDs)
			}
			summary.BatchErrors = append(summary.BatchErrors, batchErr)
			r.reportFailure(summary.RunID, batchErr)
		}
		tracker.OnBatch(written, failed)
		r.reclaim()

		if interrupted {
			r.drain(summary)
			break
		}
	}

	finish()
	r.logger.Info(summary.String(), "run_id", summary.RunID)
	return summary, nil
}

func (r *Runner) drain(summary *RunSummary) {
	summary.Interrupted = true
	r.setState(RunStateDraining)
	r.logger.Warn("中断を受け付けました。書き込み済みの出力は保持されます", "processed", summary.Processed)
}

// processBatch は 1 バッチを抽出・保存します。エラーとパニックはすべて BatchError に変換します。
// 台帳やカタログへの反映だけが失敗したサンプルは書き込み済みとして数え、残りの保存を続けます。
func (r *Runner) processBatch(ctx context.Context, runID string, batch domain.Batch) (written int, batchErrs []*domain.BatchError) {
	ids := batch.IDs()
	defer func() {
		if rec := recover(); rec != nil {
			batchErrs = append(batchErrs, &domain.BatchError{
				BatchIndex: batch.Index,
				SampleIDs:  ids[min(written, len(ids)):],
				Stage:      domain.StagePanic,
				Err:        fmt.Errorf("panic: %v", rec),
			})
		}
	}()

	records, err := r.extractor.Process(ctx, batch)
	if err != nil {
		be := &domain.BatchError{
			BatchIndex: batch.Index,
			SampleIDs:  ids,
			Stage:      domain.StageEncode,
			Err:        err,
		}
		var encErr *domain.EncodeError
		if errors.As(err, &encErr) {
			be.Capability = encErr.Capability
		}
		return 0, []*domain.BatchError{be}
	}

	var unrecorded []string
	var bookkeepingErrs []error
	defer func() {
		if len(unrecorded) > 0 {
			batchErrs = append(batchErrs, &domain.BatchError{
				BatchIndex: batch.Index,
				SampleIDs:  unrecorded,
				Stage:      domain.StageBookkeeping,
				Err:        errors.Join(bookkeepingErrs...),
			})
		}
	}()

	for _, record := range records {
		_, err := r.writer.Write(ctx, runID, record)
		if errors.Is(err, domain.ErrBookkeeping) {
			written++
			unrecorded = append(unrecorded, record.ID)
			bookkeepingErrs = append(bookkeepingErrs, err)
			continue
		}
		if err != nil {
			return written, append(batchErrs, &domain.BatchError{
				BatchIndex: batch.Index,
				SampleIDs:  ids,
				Stage:      domain.StagePersist,
				Err:        err,
			})
		}
		written++
	}
	return written, batchErrs
}

func (r *Runner) reportFailure(runID string, batchErr *domain.BatchError) {
	r.logger.Error("バッチの処理に失敗しました。スキップして続行します",
		"batch", batchErr.BatchIndex,
		"ids", batchErr.SampleIDs,
		"stage", batchErr.Stage,
		"capability", batchErr.Capability,
		"error", batchErr.Err,
	)
	if err := r.failures.Record(runID, batchErr); err != nil {
		r.logger.Warn("失敗ログの書き込みに失敗しました", "error", err)
	}
}

// reclaim はバッチ間でホストとデバイスの未使用メモリを返却します
func (r *Runner) reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
	if r.device != nil {
		r.device.ReclaimCache()
	}
}
