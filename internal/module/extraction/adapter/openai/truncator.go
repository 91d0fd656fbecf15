package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Truncator はテキストをトークン数の上限で切り詰めます
type Truncator struct {
	encoding  *tiktoken.Tiktoken
	maxTokens int
}

// NewTruncator は cl100k_base エンコーディングの Truncator を作成します
func NewTruncator(maxTokens int) (*Truncator, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &Truncator{encoding: encoding, maxTokens: maxTokens}, nil
}

// CountTokens はテキストのトークン数を返します
func (t *Truncator) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Truncate は maxTokens を超える部分を切り捨てます
func (t *Truncator) Truncate(text string) string {
	if t.maxTokens <= 0 {
		return text
	}
	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= t.maxTokens {
		return text
	}
	return t.encoding.Decode(tokens[:t.maxTokens])
}
