package splitter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkRanges(t *testing.T) {
	ranges := chunkRanges(1200, 500)
	require.Equal(t, []pageRange{
		{start: 1, end: 500},
		{start: 501, end: 1000},
		{start: 1001, end: 1200},
	}, ranges)
}

func TestChunkRangesExactMultiple(t *testing.T) {
	ranges := chunkRanges(1000, 500)
	require.Equal(t, []pageRange{
		{start: 1, end: 500},
		{start: 501, end: 1000},
	}, ranges)
}

func TestChunkRangesBelowOneChunk(t *testing.T) {
	ranges := chunkRanges(120, 500)
	require.Equal(t, []pageRange{{start: 1, end: 120}}, ranges)
}
