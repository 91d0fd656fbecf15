package application_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/accel"
	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	testutil "github.com/jinford/latent-cache/internal/module/extraction/testing"
)

func newExtractor(t *testing.T, device domain.Device, mocks []*testutil.MockEncoder, opts ...application.ResidencyOption) *application.Extractor {
	t.Helper()
	m := newManager(t, device, domain.PrecisionFull, mocks, opts...)
	e, err := application.NewExtractor(m, application.NewMemoryTelemetry(device, testLogger()), application.NewEncoderMetrics(), testLogger())
	require.NoError(t, err)
	return e
}

func TestExtractor_Process_SplitsPerSample(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	batch := domain.Batch{Index: 0, Samples: []domain.Sample{
		testutil.TestSample("a"),
		testutil.TestSample("b"),
		testutil.TestSample("c"),
	}}
	records, err := e.Process(ctx, batch)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, r := range records {
		assert.Equal(t, batch.Samples[i].ID, r.ID)
		assert.Equal(t, batch.Samples[i].Caption, r.Caption)
		assert.Equal(t, batch.Samples[i].CaptionCoT, r.CaptionCoT)
		require.NoError(t, r.Validate())

		assert.Equal(t, []int{2, 4}, r.Features[domain.ChannelMetaClip].Shape)
		assert.Equal(t, []int{3, 4}, r.Features[domain.ChannelSync].Shape)
		assert.Equal(t, []int{4}, r.Features[domain.ChannelMetaClipTextGlobal].Shape)
		assert.Equal(t, []int{5, 4}, r.Features[domain.ChannelMetaClipText].Shape)
		assert.Equal(t, []int{2, 4}, r.Features[domain.ChannelT5].Shape)

		// サンプル i の値は i+1 から始まる
		assert.Equal(t, float32(i+1), r.Features[domain.ChannelMetaClip].Data[0])
	}
}

func TestExtractor_Process_FixedOrder(t *testing.T) {
	ctx := context.Background()
	var order []domain.Capability
	observer := func(ev application.ResidencyEvent) {
		if ev.Residency == domain.ResidencyDevice {
			order = append(order, ev.Capability)
		}
	}
	e := newExtractor(t, accel.New("gpu0", true, 0), testutil.TestEncoders(), application.WithResidencyObserver(observer))

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	require.NoError(t, err)
	assert.Equal(t, domain.EncodeOrder, order)
}

func TestExtractor_Process_RoutesInputs(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	batch := domain.Batch{Samples: []domain.Sample{testutil.TestSample("1"), testutil.TestSample("2")}}
	_, err := e.Process(ctx, batch)
	require.NoError(t, err)

	clip := mocks[0].Inputs()[0]
	assert.Equal(t, append([]int{2}, testutil.ClipInputShape...), clip.Video.Shape)
	sync := mocks[1].Inputs()[0]
	assert.Equal(t, append([]int{2}, testutil.SyncInputShape...), sync.Video.Shape)
	assert.Equal(t, []string{"caption 1", "caption 2"}, mocks[2].Inputs()[0].Texts)
	assert.Equal(t, []string{"reasoning caption 1", "reasoning caption 2"}, mocks[3].Inputs()[0].Texts)
}

func TestExtractor_Process_DetachesOutputs(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	shared := testutil.FillOutput(mocks[0].Specs, 1)
	mocks[0].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return shared, nil
	}
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	records, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	require.NoError(t, err)

	shared[domain.ChannelMetaClip].Data[0] = -99
	assert.Equal(t, float32(1), records[0].Features[domain.ChannelMetaClip].Data[0])
}

func TestExtractor_Process_RejectsWrongLeadingDimension(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	mocks[2].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return testutil.FillOutput(mocks[2].Specs, in.Size()+1), nil
	}
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	require.ErrorIs(t, err, domain.ErrShapeMismatch)

	var encErr *domain.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, domain.CapabilityTextEmbed, encErr.Capability)
	assert.Equal(t, 0, mocks[3].Calls())
}

func TestExtractor_Process_RejectsUndeclaredShape(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	mocks[1].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return testutil.FillOutput([]domain.ChannelSpec{{Name: domain.ChannelSync, Shape: []int{3, 5}}}, in.Size()), nil
	}
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)
}

func TestExtractor_Process_MissingChannel(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	mocks[2].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return testutil.FillOutput(mocks[2].Specs[:1], in.Size()), nil
	}
	e := newExtractor(t, accel.New("gpu0", true, 0), mocks)

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	require.ErrorIs(t, err, domain.ErrShapeMismatch)
	assert.Contains(t, err.Error(), string(domain.ChannelMetaClipText))
}

func TestExtractor_Process_MalformedSample(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	e := newExtractor(t, device, mocks)

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{
		testutil.TestSample("1"),
		testutil.MalformedSample("3"),
	}})
	require.ErrorIs(t, err, domain.ErrMalformedSample)
	assert.Contains(t, err.Error(), `"3"`)
	assert.Equal(t, 0, mocks[0].Calls())
	assert.Equal(t, int64(0), device.Stats().Allocated)
}

func TestExtractor_Process_EncoderFailureReleasesDevice(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	mocks[3].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return nil, errors.New("sequence too long")
	}
	e := newExtractor(t, device, mocks)

	_, err := e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("x")}})
	require.Error(t, err)
	assert.Equal(t, int64(0), device.Stats().Allocated)

	snapshot := e.Metrics().Snapshot()
	assert.Equal(t, 1, snapshot.Failures[domain.CapabilityTextSeq])
	assert.Equal(t, 1, snapshot.Calls[domain.CapabilityVideoEmbed])
	assert.Equal(t, 1, snapshot.Samples[domain.CapabilityVideoEmbed])
}

func TestExtractor_Process_EmptyBatch(t *testing.T) {
	e := newExtractor(t, accel.New("gpu0", true, 0), testutil.TestEncoders())

	_, err := e.Process(context.Background(), domain.Batch{})
	assert.ErrorIs(t, err, domain.ErrMalformedSample)
}

func TestNewExtractor_RequiresAllEncoders(t *testing.T) {
	device := accel.New("gpu0", true, 0)
	m := newManager(t, device, domain.PrecisionFull, testutil.TestEncoders()[:3])

	_, err := application.NewExtractor(m, nil, nil, testLogger())
	require.ErrorIs(t, err, domain.ErrSetup)
	assert.ErrorIs(t, err, domain.ErrUnknownEncoder)
	assert.Contains(t, err.Error(), string(domain.CapabilityTextSeq))
}

func TestExtractor_Process_SamplesMemoryWhileLeased(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	m := newManager(t, device, domain.PrecisionFull, mocks)

	var buf bytes.Buffer
	telemetryLogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := application.NewExtractor(m, application.NewMemoryTelemetry(device, telemetryLogger), nil, testLogger())
	require.NoError(t, err)

	_, err = e.Process(ctx, domain.Batch{Samples: []domain.Sample{testutil.TestSample("a"), testutil.TestSample("b")}})
	require.NoError(t, err)

	type line struct {
		Stage     string `json:"stage"`
		Key       string `json:"key"`
		Allocated int64  `json:"allocated"`
		Reserved  int64  `json:"reserved"`
	}
	lines := map[string]line{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		if l.Stage != "" {
			lines[l.Stage] = l
		}
	}

	for i, capability := range domain.EncodeOrder {
		leased, ok := lines[string(capability)]
		require.True(t, ok, "no telemetry for %s", capability)
		assert.Equal(t, "a", leased.Key)
		assert.Equal(t, mocks[i].WeightSize, leased.Allocated)
		assert.GreaterOrEqual(t, leased.Reserved, leased.Allocated)

		released, ok := lines[string(capability)+"/released"]
		require.True(t, ok, "no telemetry after release of %s", capability)
		assert.Zero(t, released.Allocated)
	}
}
