package chunker

// windowLines is the fallback chunk height for unrecognized languages.
const windowLines = 80

// windowChunk splits content into fixed-height, non-overlapping line
// windows. Used when no language strategy applies and to fill gaps between
// parsed declarations.
func windowChunk(lines []string, startLine, endLine int) []Chunk {
	var chunks []Chunk
	for start := startLine; start <= endLine; start += windowLines {
		end := start + windowLines - 1
		if end > endLine {
			end = endLine
		}
		chunks = append(chunks, Chunk{
			StartLine: start,
			EndLine:   end,
			Content:   joinLines(lines, start, end),
		})
	}
	return chunks
}

// WindowChunker is the sliding-window fallback strategy.
type WindowChunker struct{}

// ChunkFile implements Chunker.
func (WindowChunker) ChunkFile(_ string, content []byte) ([]Chunk, error) {
	lines := splitLines(string(content))
	if len(lines) == 0 {
		return nil, nil
	}
	return windowChunk(lines, 1, len(lines)), nil
}
