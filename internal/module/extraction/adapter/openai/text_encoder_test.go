package openai_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/latent-cache/internal/module/extraction/adapter/openai"
	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

type fakeClient struct {
	dimension int
	calls     [][]string
	err       error
}

func (f *fakeClient) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dimension)
		for j := range v {
			v[j] = float32(i + 1)
		}
		out[i] = v
	}
	return out, nil
}

func TestTextEncoder_TextEmbedChannels(t *testing.T) {
	client := &fakeClient{dimension: 3}
	enc, err := openai.NewTextEncoder(domain.CapabilityTextEmbed, client, 3, openai.WithRateLimiter(openai.NewRateLimiter(10)))
	require.NoError(t, err)

	out, err := enc.Encode(context.Background(), domain.EncoderInput{Texts: []string{"a", "b"}})
	require.NoError(t, err)

	global := out[domain.ChannelMetaClipTextGlobal]
	assert.Equal(t, []int{2, 3}, global.Shape)
	assert.Equal(t, []float32{1, 1, 1, 2, 2, 2}, global.Data)

	seq := out[domain.ChannelMetaClipText]
	assert.Equal(t, []int{2, 1, 3}, seq.Shape)

	for _, spec := range enc.Channels() {
		tensor := out[spec.Name]
		sample, err := tensor.Index(0)
		require.NoError(t, err)
		assert.True(t, spec.Matches(sample.Shape), "channel %s", spec.Name)
	}
	assert.Equal(t, [][]string{{"a", "b"}}, client.calls)
}

func TestTextEncoder_TextSeq(t *testing.T) {
	enc, err := openai.NewTextEncoder(domain.CapabilityTextSeq, &fakeClient{dimension: 2}, 2)
	require.NoError(t, err)

	out, err := enc.Encode(context.Background(), domain.EncoderInput{Texts: []string{"x"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 1, 2}, out[domain.ChannelT5].Shape)
}

func TestTextEncoder_RejectsVideoCapability(t *testing.T) {
	_, err := openai.NewTextEncoder(domain.CapabilityVideoEmbed, &fakeClient{}, 4)
	assert.ErrorIs(t, err, domain.ErrUnknownEncoder)
}

func TestTextEncoder_DimensionMismatch(t *testing.T) {
	enc, err := openai.NewTextEncoder(domain.CapabilityTextEmbed, &fakeClient{dimension: 2}, 3)
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), domain.EncoderInput{Texts: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)
}

func TestTextEncoder_ClientError(t *testing.T) {
	boom := errors.New("quota exceeded")
	enc, err := openai.NewTextEncoder(domain.CapabilityTextEmbed, &fakeClient{err: boom}, 3)
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), domain.EncoderInput{Texts: []string{"x"}})
	assert.ErrorIs(t, err, boom)
}

func TestTextEncoder_MoveToRecordsResidency(t *testing.T) {
	enc, err := openai.NewTextEncoder(domain.CapabilityTextEmbed, &fakeClient{dimension: 1}, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(0), enc.Footprint(domain.PrecisionFull))
	require.NoError(t, enc.MoveTo(context.Background(), domain.ResidencyDevice, domain.PrecisionReduced))
	assert.Equal(t, domain.ResidencyDevice, enc.Residency())
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := openai.NewClient("", "text-embedding-3-small", 512)
	assert.ErrorIs(t, err, openai.ErrAPIKeyNotSet)
}
