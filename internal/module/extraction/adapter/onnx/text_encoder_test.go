package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPadTokens_LongestInBatch(t *testing.T) {
	got := padTokens(
		[][]int{{5, 6, 7}, {8}},
		[][]int{{1, 1, 1}, {1}},
		16, false,
	)

	assert.Equal(t, 3, got.SeqLen)
	assert.Equal(t, []int64{5, 6, 7, 8, 0, 0}, got.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0}, got.Mask)
}

func TestPadTokens_TruncatesToMaxLength(t *testing.T) {
	got := padTokens([][]int{{1, 2, 3, 4, 5}}, [][]int{{1, 1, 1, 1, 1}}, 3, false)

	assert.Equal(t, 3, got.SeqLen)
	assert.Equal(t, []int64{1, 2, 3}, got.IDs)
}

func TestPadTokens_PadToMax(t *testing.T) {
	got := padTokens([][]int{{9}}, nil, 4, true)

	assert.Equal(t, 4, got.SeqLen)
	assert.Equal(t, []int64{9, 0, 0, 0}, got.IDs)
	assert.Equal(t, []int64{1, 0, 0, 0}, got.Mask)
}
