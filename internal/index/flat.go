// Package index implements an exact nearest-neighbour index over a flat,
// positionally addressed vector store using Euclidean (L2) distance.
package index

import (
	"container/heap"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/port"
)

// Index stores vectors in insertion order; a vector's id is its position.
// Search may run concurrently with other searches. Add and AddBatch take an
// exclusive lock. dim is fixed at construction and read without the lock.
type Index struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // len(data) == n*dim
}

// New returns an empty index for vectors of the given dimension.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: invalid dimension %d", dim)
	}
	return &Index{dim: dim}, nil
}

// Build constructs an index over vectors in input order.
func Build(dim int, vectors [][]float32) (*Index, error) {
	idx, err := New(dim)
	if err != nil {
		return nil, err
	}
	if err := idx.AddBatch(vectors); err != nil {
		return nil, err
	}
	return idx, nil
}

// Dimension returns the vector dimension of the index.
func (x *Index) Dimension() int { return x.dim }

// Len returns the number of stored vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.data) / x.dim
}

// Add appends a vector and returns its id.
func (x *Index) Add(v []float32) (int, error) {
	if len(v) != x.dim {
		return 0, &port.DimensionError{Want: x.dim, Got: len(v)}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	id := len(x.data) / x.dim
	x.data = append(x.data, v...)
	return id, nil
}

// AddBatch appends vectors in order. Either all vectors are added or none.
func (x *Index) AddBatch(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("index: vector %d: %w", i, &port.DimensionError{Want: x.dim, Got: len(v)})
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.data = slices.Grow(x.data, len(vectors)*x.dim)
	for _, v := range vectors {
		x.data = append(x.data, v...)
	}
	return nil
}

// Search returns up to k hits ordered by ascending L2 distance to q, ties
// broken by ascending id. A k larger than Len() is clamped; k <= 0 returns no
// hits.
func (x *Index) Search(q []float32, k int) ([]domain.SearchHit, error) {
	if len(q) != x.dim {
		return nil, &port.DimensionError{Want: x.dim, Got: len(q)}
	}
	if k <= 0 {
		return []domain.SearchHit{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.data) / x.dim
	if n == 0 {
		return nil, port.ErrEmptyIndex
	}
	k = min(k, n)

	// Max-heap of the k best candidates seen so far; the root is the worst.
	h := make(candidates, 0, k)
	for id := 0; id < n; id++ {
		c := candidate{id: id, dist2: squaredL2(q, x.data[id*x.dim:(id+1)*x.dim])}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if c.less(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	slices.SortFunc(h, func(a, b candidate) int {
		if a.less(b) {
			return -1
		}
		if b.less(a) {
			return 1
		}
		return 0
	})
	hits := make([]domain.SearchHit, len(h))
	for i, c := range h {
		hits[i] = domain.SearchHit{ID: c.id, Distance: math.Sqrt(c.dist2)}
	}
	return hits, nil
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

type candidate struct {
	id    int
	dist2 float64
}

// less orders by distance, then by id.
func (c candidate) less(o candidate) bool {
	if c.dist2 != o.dist2 {
		return c.dist2 < o.dist2
	}
	return c.id < o.id
}

type candidates []candidate

func (h candidates) Len() int           { return len(h) }
func (h candidates) Less(i, j int) bool { return h[j].less(h[i]) }
func (h candidates) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidates) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidates) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}
