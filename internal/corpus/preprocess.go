// Package corpus turns raw text into the ordered chunk sequence the index is
// built from, and reads/writes the one-chunk-per-line corpus file.
package corpus

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arturoeanton/wikirag/internal/domain"
)

// DefaultChunkSize is the number of words per chunk used by the offline build.
const DefaultChunkSize = 200

var (
	disallowedRe = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?]+`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Normalize drops every character that is not a letter, digit, underscore,
// whitespace or one of ". , ! ?", collapses whitespace runs to one space and
// trims the result.
func Normalize(raw string) string {
	text := disallowedRe.ReplaceAllString(raw, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Segment splits clean text into consecutive, non-overlapping windows of
// chunkSize words. The final window may be shorter. It panics if chunkSize < 1.
func Segment(clean string, chunkSize int) []string {
	if chunkSize < 1 {
		panic(fmt.Sprintf("corpus: chunk size must be >= 1, got %d", chunkSize))
	}
	words := strings.Fields(clean)
	if len(words) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(words)+chunkSize-1)/chunkSize)
	for i := 0; i < len(words); i += chunkSize {
		end := min(i+chunkSize, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// Preprocess normalizes and segments every record and numbers the resulting
// chunks consecutively from zero. Records that are empty after normalization
// produce no chunks.
func Preprocess(records []string, chunkSize int) []domain.Chunk {
	var chunks []domain.Chunk
	for _, rec := range records {
		clean := Normalize(rec)
		if clean == "" {
			continue
		}
		for _, text := range Segment(clean, chunkSize) {
			chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: text})
		}
	}
	return chunks
}

// Texts returns the chunk texts in id order.
func Texts(chunks []domain.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
