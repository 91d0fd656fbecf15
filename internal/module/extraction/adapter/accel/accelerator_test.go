package accel

import (
	"testing"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccelerator_ReserveAndFree(t *testing.T) {
	a := New("cuda:0", true, 0)

	require.NoError(t, a.Reserve("video-embed", 100))
	require.NoError(t, a.Reserve("video-embed", 20))

	stats := a.Stats()
	assert.Equal(t, int64(120), stats.Allocated)
	assert.Equal(t, int64(120), stats.Reserved)
	assert.Equal(t, int64(120), a.OwnerBytes("video-embed"))

	a.Free("video-embed")
	stats = a.Stats()
	assert.Equal(t, int64(0), stats.Allocated)
	// キャッシュは ReclaimCache まで残る
	assert.Equal(t, int64(120), stats.Reserved)

	a.ReclaimCache()
	assert.Equal(t, int64(0), a.Stats().Reserved)
	assert.Equal(t, int64(120), a.Peak())
}

func TestAccelerator_CapacityExceeded(t *testing.T) {
	a := New("cuda:0", true, 100)

	require.NoError(t, a.Reserve("text-seq", 80))
	err := a.Reserve("text-embed", 30)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeviceOutOfMemory)
	assert.Equal(t, int64(80), a.Stats().Allocated)
}

func TestAccelerator_FreeUnknownOwner(t *testing.T) {
	a := New("cuda:0", true, 0)
	a.Free("nobody")
	assert.Equal(t, int64(0), a.Stats().Allocated)
}

func TestHost_Unavailable(t *testing.T) {
	h := Host()
	assert.False(t, h.Available())
	assert.Equal(t, "cpu", h.Name())
}
