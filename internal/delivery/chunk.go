// Package delivery handles outbound text: chunking long replies at
// natural boundaries, sending sequentially with retry, and the reply
// pipeline that routes completed runs back to their channel.
package delivery

import "strings"

// DefaultMaxChunkSize fits under every supported platform's message cap.
const DefaultMaxChunkSize = 4000

// ChunkText splits text into pieces of at most maxSize characters,
// preferring paragraph breaks, then single newlines, then sentence
// boundaries, then a hard cut. Concatenating the chunks (modulo the
// split whitespace) preserves the content.
func ChunkText(text string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	if len(text) <= maxSize {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > maxSize {
		window := rest[:maxSize]

		cut := -1
		drop := 0
		// Preferred boundaries, best first. The boundary itself is
		// dropped from the output; a sentence split keeps the period.
		if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
			cut, drop = idx, 2
		} else if idx := strings.LastIndex(window, "\n"); idx > 0 {
			cut, drop = idx, 1
		} else if idx := strings.LastIndex(window, ". "); idx > 0 {
			cut, drop = idx+1, 1
		}
		if cut <= 0 {
			cut, drop = maxSize, 0
		}

		chunk := strings.TrimRight(rest[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = rest[cut+drop:]
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
