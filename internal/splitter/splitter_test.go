package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	out := Split("hello world", Config{ChunkSize: 2000, ChunkOverlap: 200})
	assert.Equal(t, []string{"hello world"}, out)
}

func TestSplit_EmptyTextNoChunks(t *testing.T) {
	assert.Empty(t, Split("", Config{ChunkSize: 2000}))
	assert.Empty(t, Split("   ", Config{ChunkSize: 2000}))
}

func TestSplit_RespectsChunkSizeBound(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	out := Split(text, Config{ChunkSize: 200, ChunkOverlap: 20})
	assert.Greater(t, len(out), 1)
	for _, c := range out {
		assert.LessOrEqual(t, len(c), 200+20, "chunk should not wildly exceed the bound")
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	out := Split(text, Config{ChunkSize: 60, ChunkOverlap: 0, Separators: DefaultSeparators})
	assert.GreaterOrEqual(t, len(out), 2)
}

func TestSplit_NoOverlapWhenConfigured(t *testing.T) {
	text := strings.Repeat("x", 5000)
	out := Split(text, Config{ChunkSize: 1000, ChunkOverlap: 0})
	assert.Greater(t, len(out), 1)
	assert.Equal(t, text, strings.Join(out, ""), "chunks must not repeat any characters")
}
