package retrieval

import (
	"regexp"
	"strings"
)

// Head lengths keep rich queries inside one embedding call.
const (
	maxOutputHead = 200
	maxPromptHead = 200
)

var lineMarker = regexp.MustCompile(`^\d+[-:]\s*`)

// BuildRichQuery composes a memory-retrieval query from a tool's file
// path, the head of its output and the head of the user prompt. Noise
// prefixes are stripped so the embedding sees content, not transcript
// framing.
func BuildRichQuery(filePath, toolOutputHead, userPromptHead string) string {
	parts := make([]string, 0, 3)
	if filePath != "" {
		parts = append(parts, filePath)
	}
	if s := cleanFragment(head(toolOutputHead, maxOutputHead)); s != "" {
		parts = append(parts, s)
	}
	if s := cleanFragment(head(userPromptHead, maxPromptHead)); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// cleanFragment strips transcript noise from the front of a fragment:
// a leading "Read " echo, line-number markers like "42- ", and opening
// JSON braces or brackets. Stripping repeats until the prefix is clean.
func cleanFragment(s string) string {
	s = strings.TrimSpace(s)
	for {
		before := s
		s = strings.TrimPrefix(s, "Read ")
		s = lineMarker.ReplaceAllString(s, "")
		s = strings.TrimLeft(s, "{[")
		s = strings.TrimSpace(s)
		if s == before {
			return s
		}
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
