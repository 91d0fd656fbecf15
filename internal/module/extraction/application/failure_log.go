package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// FailureRecord は失敗したバッチのログレコードです
type FailureRecord struct {
	// Timestamp は失敗の発生時刻
	Timestamp time.Time `json:"timestamp"`
	// RunID は実行ID
	RunID string `json:"run_id"`
	// BatchIndex はバッチ番号
	BatchIndex int `json:"batch_index"`
	// SampleIDs はバッチ内のサンプルID
	SampleIDs []string `json:"sample_ids"`
	// Stage は失敗した段階
	Stage domain.FailureStage `json:"stage"`
	// Capability は失敗したエンコーダー（エンコード段階のみ）
	Capability domain.Capability `json:"capability,omitempty"`
	// ErrorMessage はエラーメッセージ
	ErrorMessage string `json:"error_message"`
}

// FailureLog は失敗したバッチを JSONL ファイルに記録します
type FailureLog struct {
	logFile  *os.File
	logMutex sync.Mutex
	enabled  bool
}

// NewFailureLog は新しいFailureLogを作成します。logDir が空の場合は記録しません。
func NewFailureLog(logDir string) (*FailureLog, error) {
	if logDir == "" {
		return &FailureLog{enabled: false}, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// ログファイルは日付ごと
	logFileName := fmt.Sprintf("batch_failures_%s.jsonl", time.Now().Format("2006-01-02"))
	logFilePath := filepath.Join(logDir, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FailureLog{
		logFile: logFile,
		enabled: true,
	}, nil
}

// Path はログファイルのパスを返します（無効の場合は空文字）
func (l *FailureLog) Path() string {
	if l == nil || l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

// Close はログファイルを閉じます
func (l *FailureLog) Close() error {
	if l != nil && l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// Record はバッチエラーをログに記録します
func (l *FailureLog) Record(runID string, batchErr *domain.BatchError) error {
	if l == nil || !l.enabled {
		return nil
	}

	record := FailureRecord{
		Timestamp:    time.Now(),
		RunID:        runID,
		BatchIndex:   batchErr.BatchIndex,
		SampleIDs:    batchErr.SampleIDs,
		Stage:        batchErr.Stage,
		Capability:   batchErr.Capability,
		ErrorMessage: batchErr.Err.Error(),
	}

	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// ReadFailureLog は JSONL ファイルから失敗レコードを読み込みます
func ReadFailureLog(path string) ([]FailureRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read failure log: %w", err)
	}

	var records []FailureRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r FailureRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode failure record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}
