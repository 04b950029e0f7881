package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package sample

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Greeter struct {
	prefix string
}

func (g *Greeter) Greet(name string) string {
	return g.prefix + name
}
`

func TestGoChunksCarrySymbols(t *testing.T) {
	c := NewTreeSitterChunker()

	chunks, err := c.ChunkFile("sample.go", []byte(goSource))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var symbols []string
	for _, ch := range chunks {
		if ch.Symbol != "" {
			symbols = append(symbols, ch.Symbol)
		}
	}
	assert.Contains(t, symbols, "Greet")
	assert.Contains(t, symbols, "Greeter")
}

func TestChunksCoverFileWithoutOverlap(t *testing.T) {
	c := NewTreeSitterChunker()

	inputs := map[string]string{
		"sample.go": goSource,
		"notes.txt": strings.Repeat("line\n", 250),
		"script.py": "def run():\n    pass\n\nclass Task:\n    def go(self):\n        pass\n",
	}

	for name, content := range inputs {
		t.Run(name, func(t *testing.T) {
			chunks, err := c.ChunkFile(name, []byte(content))
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			wantLines := len(splitLines(content))
			cursor := 1
			for _, ch := range chunks {
				assert.Equal(t, cursor, ch.StartLine, "chunks must be contiguous")
				assert.GreaterOrEqual(t, ch.EndLine, ch.StartLine)
				cursor = ch.EndLine + 1
			}
			assert.Equal(t, wantLines+1, cursor, "chunks must cover the file")
		})
	}
}

func TestDeterministicOutput(t *testing.T) {
	c := NewTreeSitterChunker()

	first, err := c.ChunkFile("sample.go", []byte(goSource))
	require.NoError(t, err)
	second, err := c.ChunkFile("sample.go", []byte(goSource))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, ContentHash(first), ContentHash(second))
}

func TestEmptyFileProducesNoChunks(t *testing.T) {
	c := NewTreeSitterChunker()
	chunks, err := c.ChunkFile("empty.go", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestWindowFallbackHeight(t *testing.T) {
	content := strings.Repeat("x\n", 200)
	chunks, err := WindowChunker{}.ChunkFile("data.csv", []byte(content))
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 80, chunks[0].EndLine)
	assert.Equal(t, 200, chunks[2].EndLine)
}
