package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// maxBatchSize は Embeddings API の 1 リクエストあたりの上限
const maxBatchSize = 100

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

// EmbeddingClient はテキストのバッチを埋め込みベクトルに変換します
type EmbeddingClient interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client は OpenAI Embeddings API のクライアントです
type Client struct {
	client    openai.Client
	model     string
	dimension int
}

// NewClient は新しいClientを作成します
func NewClient(apiKey, model string, dimension int) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	return &Client{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		dimension: dimension,
	}, nil
}

// Dimension は埋め込みベクトルの次元数を返します
func (c *Client) Dimension() int {
	return c.dimension
}

// BatchEmbed はバッチで埋め込みを生成します（最大100件）
func (c *Client) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}
	if len(texts) > maxBatchSize {
		return nil, fmt.Errorf("batch size exceeds maximum of %d", maxBatchSize)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if c.dimension > 0 {
		params.Dimensions = openai.Int(int64(c.dimension))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		embeddings[data.Index] = vector
	}
	return embeddings, nil
}

var _ EmbeddingClient = (*Client)(nil)
