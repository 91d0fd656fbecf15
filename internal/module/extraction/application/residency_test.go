package application_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/accel"
	"github.com/jinford/latent-cache/internal/module/extraction/application"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	testutil "github.com/jinford/latent-cache/internal/module/extraction/testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T, device domain.Device, precision domain.Precision, mocks []*testutil.MockEncoder, opts ...application.ResidencyOption) *application.ResidencyManager {
	t.Helper()
	m, err := application.NewResidencyManager(context.Background(), device, precision, testLogger(), testutil.AsEncoders(mocks), opts...)
	require.NoError(t, err)
	return m
}

func TestResidencyManager_ForcesHostAtConstruction(t *testing.T) {
	mocks := testutil.TestEncoders()
	m := newManager(t, accel.New("gpu0", true, 0), domain.PrecisionFull, mocks)

	for _, mock := range mocks {
		assert.Equal(t, domain.ResidencyHost, mock.Residency())
		assert.Equal(t, domain.ResidencyHost, m.Residency(mock.Cap))
	}
	assert.Equal(t, 0, m.ResidentCount())
}

func TestResidencyManager_ConstructionFailureIsSetupError(t *testing.T) {
	mocks := testutil.TestEncoders()
	mocks[2].MoveToFunc = func(ctx context.Context, r domain.Residency, p domain.Precision) error {
		return errors.New("weights corrupt")
	}

	_, err := application.NewResidencyManager(context.Background(), accel.New("gpu0", true, 0), domain.PrecisionFull, testLogger(), testutil.AsEncoders(mocks))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSetup)
	assert.Contains(t, err.Error(), "weights corrupt")
}

func TestResidencyManager_RunRestoresBaseline(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	m := newManager(t, device, domain.PrecisionFull, mocks)

	before := device.Stats().Allocated
	err := m.Run(ctx, domain.CapabilityVideoEmbed, func(lease *application.Lease) error {
		assert.Equal(t, domain.ResidencyDevice, mocks[0].Residency())
		assert.Equal(t, int64(1000), device.OwnerBytes(string(domain.CapabilityVideoEmbed)))
		_, err := lease.Encode(ctx, domain.EncoderInput{Video: domain.Zeros(append([]int{1}, testutil.ClipInputShape...)...)})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, before, device.Stats().Allocated)
	assert.Equal(t, domain.ResidencyHost, mocks[0].Residency())
	assert.Equal(t, device.Stats().Allocated, device.Stats().Reserved)
}

func TestResidencyManager_RunRestoresBaselineOnEncodeError(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	mocks[1].EncodeFunc = func(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
		return nil, errors.New("kernel launch failed")
	}
	m := newManager(t, device, domain.PrecisionFull, mocks)

	err := m.Run(ctx, domain.CapabilityVideoSync, func(lease *application.Lease) error {
		_, err := lease.Encode(ctx, domain.EncoderInput{Video: domain.Zeros(append([]int{1}, testutil.SyncInputShape...)...)})
		return err
	})
	require.Error(t, err)

	var encErr *domain.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, domain.CapabilityVideoSync, encErr.Capability)
	assert.Equal(t, int64(0), device.Stats().Allocated)
	assert.Equal(t, domain.ResidencyHost, mocks[1].Residency())
}

func TestResidencyManager_RunReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	m := newManager(t, device, domain.PrecisionFull, mocks)

	assert.Panics(t, func() {
		_ = m.Run(ctx, domain.CapabilityTextEmbed, func(lease *application.Lease) error {
			panic("boom")
		})
	})

	assert.Equal(t, int64(0), device.Stats().Allocated)
	assert.Equal(t, domain.ResidencyHost, mocks[2].Residency())

	// セマフォも解放されていること
	err := m.Run(ctx, domain.CapabilityTextSeq, func(lease *application.Lease) error { return nil })
	require.NoError(t, err)
}

func TestResidencyManager_NeverTwoOnDevice(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)

	var mu sync.Mutex
	maxResident := 0
	observer := func(e application.ResidencyEvent) {
		mu.Lock()
		defer mu.Unlock()
		maxResident = max(maxResident, e.DeviceResident)
	}
	m := newManager(t, device, domain.PrecisionFull, testutil.TestEncoders(), application.WithResidencyObserver(observer))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		capability := domain.EncodeOrder[i%len(domain.EncodeOrder)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(ctx, capability, func(lease *application.Lease) error {
				assert.Equal(t, 1, m.ResidentCount())
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxResident)
	assert.Equal(t, 0, m.ResidentCount())
}

func TestResidencyManager_ReducedPrecisionCastsVideoOnly(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	m := newManager(t, accel.New("gpu0", true, 0), domain.PrecisionReduced, mocks)

	video := domain.Zeros(append([]int{1}, testutil.ClipInputShape...)...)
	video.Data[0] = 1.00390625 // bfloat16 では表現できない値

	err := m.Run(ctx, domain.CapabilityVideoEmbed, func(lease *application.Lease) error {
		assert.Equal(t, domain.PrecisionReduced, lease.Precision())
		out, err := lease.Encode(ctx, domain.EncoderInput{Video: video})
		for _, tensor := range out {
			assert.Equal(t, domain.ResidencyHost, tensor.Residency)
		}
		return err
	})
	require.NoError(t, err)

	inputs := mocks[0].Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, float32(1.0), inputs[0].Video.Data[0])
	assert.Equal(t, float32(1.00390625), video.Data[0])
	assert.Contains(t, mocks[0].Moves(), domain.ResidencyDevice)
}

func TestResidencyManager_HostFallbackWhenDeviceUnavailable(t *testing.T) {
	ctx := context.Background()
	mocks := testutil.TestEncoders()
	m := newManager(t, accel.Host(), domain.PrecisionReduced, mocks)

	err := m.Run(ctx, domain.CapabilityVideoEmbed, func(lease *application.Lease) error {
		assert.Equal(t, domain.PrecisionFull, lease.Precision())
		_, err := lease.Encode(ctx, domain.EncoderInput{Video: domain.Zeros(append([]int{1}, testutil.ClipInputShape...)...)})
		return err
	})
	require.NoError(t, err)

	assert.NotContains(t, mocks[0].Moves(), domain.ResidencyDevice)
	assert.Equal(t, 1, mocks[0].Calls())
}

func TestResidencyManager_AcquireOutOfMemory(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 700)
	mocks := testutil.TestEncoders()
	m := newManager(t, device, domain.PrecisionFull, mocks)

	_, err := m.Acquire(ctx, domain.CapabilityVideoEmbed)
	require.ErrorIs(t, err, domain.ErrDeviceOutOfMemory)
	assert.Equal(t, domain.ResidencyHost, mocks[0].Residency())

	// 失敗後もセマフォは解放されている
	lease, err := m.Acquire(ctx, domain.CapabilityTextEmbed)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestResidencyManager_MoveToDeviceFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	mocks := testutil.TestEncoders()
	mocks[3].MoveToFunc = func(ctx context.Context, r domain.Residency, p domain.Precision) error {
		if r == domain.ResidencyDevice {
			return errors.New("cuda init failed")
		}
		return nil
	}
	m := newManager(t, device, domain.PrecisionFull, mocks)

	_, err := m.Acquire(ctx, domain.CapabilityTextSeq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda init failed")
	assert.Equal(t, int64(0), device.Stats().Allocated)
	assert.Equal(t, domain.ResidencyHost, m.Residency(domain.CapabilityTextSeq))
}

func TestResidencyManager_UnknownEncoder(t *testing.T) {
	mocks := testutil.TestEncoders()[:1]
	m := newManager(t, accel.New("gpu0", true, 0), domain.PrecisionFull, mocks)

	_, err := m.Acquire(context.Background(), domain.CapabilityTextSeq)
	assert.ErrorIs(t, err, domain.ErrUnknownEncoder)
}

func TestResidencyManager_AcquireHonorsContext(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, accel.New("gpu0", true, 0), domain.PrecisionFull, testutil.TestEncoders())

	lease, err := m.Acquire(ctx, domain.CapabilityVideoEmbed)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Acquire(canceled, domain.CapabilityVideoSync)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, lease.Release(ctx))
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	device := accel.New("gpu0", true, 0)
	m := newManager(t, device, domain.PrecisionFull, testutil.TestEncoders())

	lease, err := m.Acquire(ctx, domain.CapabilityTextEmbed)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.Equal(t, int64(0), device.Stats().Allocated)

	_, err = lease.Encode(ctx, domain.EncoderInput{Texts: []string{"late"}})
	assert.ErrorIs(t, err, domain.ErrLeaseReleased)
}

func TestResidencyManager_Close(t *testing.T) {
	mocks := testutil.TestEncoders()
	m := newManager(t, accel.New("gpu0", true, 0), domain.PrecisionFull, mocks)

	require.NoError(t, m.Close())
	for _, mock := range mocks {
		assert.True(t, mock.Closed())
	}
}
