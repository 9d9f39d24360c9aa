package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashingEmbedder is a local bag-of-words model. Each token is hashed into one
// of dimension buckets with a hash-derived sign; the counts are L2-normalized.
// It needs no corpus preparation and is fully deterministic.
type HashingEmbedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewHashingEmbedder creates a hashing embedder producing vectors of the given
// dimension.
func NewHashingEmbedder(dimension int) (*HashingEmbedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("hashing embedder: invalid dimension %d", dimension)
	}
	return &HashingEmbedder{
		dimension:    dimension,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}, nil
}

// ModelName returns the identifier of this embedder implementation.
func (e *HashingEmbedder) ModelName() string {
	return fmt.Sprintf("hashing-%d", e.dimension)
}

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *HashingEmbedder) Dimension() int { return e.dimension }

// Embed computes the hashed term vector for text.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkEncodable(0, text); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

// EmbedBatch embeds each text in order.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := checkEncodable(i, t); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashingEmbedder) vector(text string) []float32 {
	acc := make([]float64, e.dimension)
	for _, tok := range e.tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := e.stopwords[tok]; stop {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimension))
		if sum>>63 == 1 {
			acc[bucket]--
		} else {
			acc[bucket]++
		}
	}

	norm := 0.0
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make([]float32, e.dimension)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "what", "when", "who", "how",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
