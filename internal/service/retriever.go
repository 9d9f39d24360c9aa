package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/observability"
	"github.com/arturoeanton/wikirag/internal/port"
)

// Retriever embeds a query, searches the serving snapshot and resolves hits to
// chunk text in rank order.
type Retriever struct {
	embedder        port.Embedder
	library         *Library
	allowEmptyIndex bool
}

// NewRetriever creates a retriever. When allowEmptyIndex is set, searching an
// empty (or not yet loaded) corpus yields zero results instead of an error.
func NewRetriever(embedder port.Embedder, library *Library, allowEmptyIndex bool) *Retriever {
	return &Retriever{embedder: embedder, library: library, allowEmptyIndex: allowEmptyIndex}
}

// Retrieve returns up to k chunks ordered by ascending distance to query.
// Input errors are port.ErrValidation (port.ErrInvalidK for k <= 0); every
// other failure is wrapped in port.ErrRetrieval.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]domain.RetrievedChunk, error) {
	if err := validate(query, k); err != nil {
		return nil, err
	}

	ctx, span := observability.StartRetrieveSpan(ctx, k)
	defer span.End()

	out, err := r.retrieve(ctx, query, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.RecordHits(span, len(out))
	return out, nil
}

func (r *Retriever) retrieve(ctx context.Context, query string, k int) ([]domain.RetrievedChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", port.ErrRetrieval, err)
	}

	snap := r.library.Snapshot()
	if snap == nil {
		if r.allowEmptyIndex {
			return []domain.RetrievedChunk{}, nil
		}
		return nil, fmt.Errorf("%w: %w: no corpus loaded", port.ErrRetrieval, port.ErrEmptyIndex)
	}

	hits, err := snap.index.Search(vec, k)
	if err != nil {
		if errors.Is(err, port.ErrEmptyIndex) && r.allowEmptyIndex {
			return []domain.RetrievedChunk{}, nil
		}
		return nil, fmt.Errorf("%w: search: %w", port.ErrRetrieval, err)
	}

	out := make([]domain.RetrievedChunk, len(hits))
	for i, h := range hits {
		c, ok := snap.Chunk(h.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %w: hit %d has no chunk", port.ErrRetrieval, port.ErrPersistence, h.ID)
		}
		out[i] = domain.RetrievedChunk{ID: c.ID, Text: c.Text, Distance: h.Distance}
	}
	return out, nil
}

func validate(query string, k int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is required", port.ErrValidation)
	}
	if k <= 0 {
		return fmt.Errorf("%w: got %d", port.ErrInvalidK, k)
	}
	return nil
}
