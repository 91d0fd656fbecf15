package onnx

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// LoadEncoders は RuntimeOptions のチェックポイントから 4 つのエンコーダーを作成します。
// overrides に含まれる Capability はチェックポイントを読まずにそのエンコーダーを使います。
func LoadEncoders(rt *Runtime, logger *slog.Logger, overrides ...domain.Encoder) ([]domain.Encoder, error) {
	given := make(map[domain.Capability]domain.Encoder, len(overrides))
	for _, enc := range overrides {
		given[enc.Capability()] = enc
	}

	encoders := make([]domain.Encoder, 0, len(domain.EncodeOrder))
	fail := func(err error) ([]domain.Encoder, error) {
		var closeErrs []error
		for _, enc := range encoders {
			if _, ok := given[enc.Capability()]; ok {
				continue
			}
			closeErrs = append(closeErrs, enc.Close())
		}
		return nil, errors.Join(append([]error{err}, closeErrs...)...)
	}

	for _, c := range domain.EncodeOrder {
		if enc, ok := given[c]; ok {
			encoders = append(encoders, enc)
			continue
		}

		dir, ok := rt.Options().CheckpointPath(c)
		if !ok {
			return fail(fmt.Errorf("%w: no checkpoint configured for %s", domain.ErrCheckpointMissing, c))
		}

		var (
			enc domain.Encoder
			err error
		)
		if c.IsVideo() {
			enc, err = NewVideoEncoder(rt, dir, logger)
		} else {
			enc, err = NewTextEncoder(rt, dir, logger)
		}
		if err != nil {
			return fail(fmt.Errorf("failed to load %s encoder: %w", c, err))
		}
		if enc.Capability() != c {
			enc.Close()
			return fail(fmt.Errorf("checkpoint for %s declares %s", c, enc.Capability()))
		}
		encoders = append(encoders, enc)
	}
	return encoders, nil
}
