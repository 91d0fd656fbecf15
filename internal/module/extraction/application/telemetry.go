package application

import (
	"log/slog"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// MemoryTelemetry はデバイスメモリの使用状況を段階ごとにログ出力します
type MemoryTelemetry struct {
	device domain.Device
	logger *slog.Logger
}

// NewMemoryTelemetry は新しいMemoryTelemetryを作成します
func NewMemoryTelemetry(device domain.Device, logger *slog.Logger) *MemoryTelemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTelemetry{device: device, logger: logger}
}

// Sample は現在のメモリ使用量を stage と key 付きで記録して返します
func (t *MemoryTelemetry) Sample(stage, key string) domain.MemoryStats {
	if t == nil || t.device == nil {
		return domain.MemoryStats{}
	}
	stats := t.device.Stats()
	t.logger.Debug("デバイスメモリ",
		"stage", stage,
		"key", key,
		"device", t.device.Name(),
		"allocated", stats.Allocated,
		"reserved", stats.Reserved,
		"allocated_mb", toMB(stats.Allocated),
		"reserved_mb", toMB(stats.Reserved),
	)
	return stats
}

func toMB(b int64) float64 {
	return float64(b) / (1024 * 1024)
}
