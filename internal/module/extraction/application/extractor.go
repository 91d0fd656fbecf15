package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// Extractor はバッチを全エンコーダーに決められた順序で通し、サンプルごとの FeatureRecord に分割します
type Extractor struct {
	residency *ResidencyManager
	telemetry *MemoryTelemetry
	metrics   *EncoderMetrics
	logger    *slog.Logger
}

// NewExtractor は新しいExtractorを作成します。4 種類すべてのエンコーダーが必要です。
func NewExtractor(residency *ResidencyManager, telemetry *MemoryTelemetry, metrics *EncoderMetrics, logger *slog.Logger) (*Extractor, error) {
	for _, capability := range domain.EncodeOrder {
		if !residency.Has(capability) {
			return nil, domain.Setup(fmt.Errorf("%w: no encoder registered for %s", domain.ErrUnknownEncoder, capability))
		}
	}
	if metrics == nil {
		metrics = NewEncoderMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		residency: residency,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Metrics はエンコーダー呼び出しのメトリクスを返します
func (e *Extractor) Metrics() *EncoderMetrics {
	return e.metrics
}

// Process はバッチの特徴量を抽出します。返すレコードはバッチ内の順序を保ちます。
func (e *Extractor) Process(ctx context.Context, batch domain.Batch) ([]domain.FeatureRecord, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	key := batch.Samples[0].ID
	size := batch.Len()
	accumulated := make(map[domain.Channel]domain.Tensor, len(domain.FeatureChannels))

	for _, capability := range domain.EncodeOrder {
		enc, _ := e.residency.Encoder(capability)

		input, err := buildInput(capability, batch, enc.InputShape())
		if err != nil {
			return nil, &domain.EncodeError{Capability: capability, Err: err}
		}

		start := time.Now()
		var out domain.EncoderOutput
		err = e.residency.Run(ctx, capability, func(lease *Lease) error {
			var encErr error
			out, encErr = lease.Encode(ctx, input)
			if encErr == nil {
				// リース中（ホストへ戻す前）の使用量
				e.telemetry.Sample(string(capability), key)
			}
			return encErr
		})
		e.metrics.Record(EncodeMetric{
			Capability: capability,
			Samples:    size,
			Latency:    time.Since(start),
			Success:    err == nil,
		})
		if err != nil {
			var encErr *domain.EncodeError
			if !errors.As(err, &encErr) {
				err = &domain.EncodeError{Capability: capability, Err: err}
			}
			return nil, err
		}
		e.telemetry.Sample(string(capability)+"/released", key)

		for _, spec := range enc.Channels() {
			t, ok := out[spec.Name]
			if !ok {
				return nil, &domain.EncodeError{
					Capability: capability,
					Err:        fmt.Errorf("%w: missing channel %s", domain.ErrShapeMismatch, spec.Name),
				}
			}
			if err := validateOutput(spec, t, size); err != nil {
				return nil, &domain.EncodeError{Capability: capability, Err: err}
			}
			accumulated[spec.Name] = t
		}
	}

	records := make([]domain.FeatureRecord, size)
	for i, s := range batch.Samples {
		features := make(map[domain.Channel]domain.Array, len(accumulated))
		for ch, t := range accumulated {
			row, err := t.Index(i)
			if err != nil {
				return nil, fmt.Errorf("failed to split %s for %s: %w", ch, s.ID, err)
			}
			features[ch] = row.Detach()
		}
		records[i] = domain.FeatureRecord{
			ID:         s.ID,
			Caption:    s.Caption,
			CaptionCoT: s.CaptionCoT,
			Features:   features,
		}
	}

	e.logger.Debug("バッチの特徴量を抽出", "batch", batch.Index, "ids", batch.IDs())
	return records, nil
}

func buildInput(capability domain.Capability, batch domain.Batch, shape []int) (domain.EncoderInput, error) {
	switch capability {
	case domain.CapabilityVideoEmbed, domain.CapabilityVideoSync:
		videos := make([]domain.Tensor, batch.Len())
		for i, s := range batch.Samples {
			v := s.ClipVideo
			if capability == domain.CapabilityVideoSync {
				v = s.SyncVideo
			}
			if err := v.Validate(); err != nil {
				return domain.EncoderInput{}, fmt.Errorf("%w: sample %q: %w", domain.ErrMalformedSample, s.ID, err)
			}
			if shape != nil && !(domain.ChannelSpec{Shape: shape}).Matches(v.Shape) {
				return domain.EncoderInput{}, fmt.Errorf("%w: sample %q has video shape %v, want %v",
					domain.ErrShapeMismatch, s.ID, v.Shape, shape)
			}
			videos[i] = v
		}
		stacked, err := domain.Stack(videos)
		if err != nil {
			return domain.EncoderInput{}, err
		}
		return domain.EncoderInput{Video: stacked}, nil
	case domain.CapabilityTextEmbed:
		return domain.EncoderInput{Texts: batch.Captions()}, nil
	case domain.CapabilityTextSeq:
		return domain.EncoderInput{Texts: batch.CaptionsCoT()}, nil
	}
	return domain.EncoderInput{}, fmt.Errorf("%w: %s", domain.ErrUnknownEncoder, capability)
}

func validateOutput(spec domain.ChannelSpec, t domain.Tensor, size int) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", spec.Name, err)
	}
	if t.Len() != size {
		return fmt.Errorf("%w: channel %s has leading dimension %d, want batch size %d",
			domain.ErrShapeMismatch, spec.Name, t.Len(), size)
	}
	if !spec.Matches(t.Shape[1:]) {
		return fmt.Errorf("%w: channel %s has per-sample shape %v, want %v",
			domain.ErrShapeMismatch, spec.Name, t.Shape[1:], spec.Shape)
	}
	return nil
}
