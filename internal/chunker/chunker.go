// Package chunker turns a source file into an ordered list of semantic
// chunks.
//
// Recognized languages are parsed with tree-sitter and chunked along
// top-level declarations; everything else falls back to a fixed-size line
// window. For the same input bytes the output is identical, chunks never
// overlap, and their line ranges cover the whole file.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Chunk is a contiguous region of a source file. Lines are 1-based and
// inclusive.
type Chunk struct {
	// Symbol is the enclosing declaration name, empty for gap and
	// window chunks.
	Symbol    string
	StartLine int
	EndLine   int
	Content   string
}

// Chunker produces chunks for one file.
type Chunker interface {
	// ChunkFile splits content into ordered, non-overlapping chunks
	// covering the file. filepath selects the language strategy.
	ChunkFile(filepath string, content []byte) ([]Chunk, error)
}

// ContentHash returns the hash identifying a file's chunked content.
// It is computed over the concatenated chunk contents, so any change to any
// chunk changes the hash.
func ContentHash(chunks []Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write([]byte(c.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the content hash for raw file bytes. Used for the
// indexed-file table and for cheap has-it-changed checks.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// splitLines splits content preserving line structure. The final element has
// no trailing newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	// A trailing newline produces an empty final element that is not a line.
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// joinLines reassembles lines [start,end] (1-based, inclusive) of the file.
func joinLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
