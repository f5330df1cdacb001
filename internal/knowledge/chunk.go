package knowledge

import (
	"strings"
)

const (
	defaultChunkMaxChars = 1200
	defaultChunkOverlap  = 120
)

// ChunkText splits text into windows of at most maxChars runes, each
// overlapping the previous by overlap runes. Line endings are normalized
// and trailing whitespace trimmed first.
func ChunkText(text string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		maxChars = defaultChunkMaxChars
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = 0
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	runes := []rune(strings.TrimSpace(strings.Join(lines, "\n")))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	for i := 0; i < len(runes); {
		j := min(len(runes), i+maxChars)
		chunks = append(chunks, string(runes[i:j]))
		if j == len(runes) {
			break
		}
		i = j - overlap
	}
	return chunks
}
