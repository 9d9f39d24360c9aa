// Package ai holds the embedding and generation adapters: Ollama, OpenAI and
// a local feature-hashing model.
package ai

import (
	"fmt"
	"strings"

	"github.com/arturoeanton/wikirag/internal/port"
)

// warmupText is embedded once at startup to resolve a model and its dimension.
const warmupText = "dimension check"

func checkEncodable(i int, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text %d is empty", port.ErrEncoding, i)
	}
	return nil
}

func checkDims(vecs [][]float32, dim int) error {
	for _, v := range vecs {
		if len(v) != dim {
			return &port.DimensionError{Want: dim, Got: len(v)}
		}
	}
	return nil
}
