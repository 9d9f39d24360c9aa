package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturoeanton/wikirag/internal/corpus"
	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/index"
	"github.com/arturoeanton/wikirag/internal/port"
)

// ErrRebuildInProgress is returned by Rebuild while another rebuild runs.
var ErrRebuildInProgress = errors.New("index rebuild already in progress")

// Snapshot is an immutable pair of chunks and the index built over them.
// Vector i in the index is the embedding of chunks[i].
type Snapshot struct {
	chunks  []domain.Chunk
	index   *index.Index
	builtAt time.Time
}

// NewSnapshot pairs chunks with idx, failing with port.ErrPersistence unless
// they are positionally aligned. The snapshot takes ownership of both; idx
// must not be modified afterwards.
func NewSnapshot(chunks []domain.Chunk, idx *index.Index) (*Snapshot, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: nil index", port.ErrPersistence)
	}
	if n := idx.Len(); n != len(chunks) {
		return nil, fmt.Errorf("%w: index holds %d vectors for %d chunks", port.ErrPersistence, n, len(chunks))
	}
	for i, c := range chunks {
		if c.ID != i {
			return nil, fmt.Errorf("%w: chunk at position %d has id %d", port.ErrPersistence, i, c.ID)
		}
	}
	return &Snapshot{chunks: chunks, index: idx, builtAt: time.Now()}, nil
}

// Len returns the number of chunks.
func (s *Snapshot) Len() int { return len(s.chunks) }

// Dimension returns the index vector dimension.
func (s *Snapshot) Dimension() int { return s.index.Dimension() }

// BuiltAt returns when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Chunk returns the chunk with the given id.
func (s *Snapshot) Chunk(id int) (domain.Chunk, bool) {
	if id < 0 || id >= len(s.chunks) {
		return domain.Chunk{}, false
	}
	return s.chunks[id], true
}

// BuildIndex embeds chunks in order, batchSize at a time, and returns an index
// aligned with them. progress, if non-nil, is called after each batch.
func BuildIndex(ctx context.Context, embedder port.Embedder, chunks []domain.Chunk, batchSize int, progress func(done, total int)) (*index.Index, error) {
	if batchSize <= 0 {
		batchSize = 64
	}
	idx, err := index.New(embedder.Dimension())
	if err != nil {
		return nil, err
	}
	texts := corpus.Texts(chunks)
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vecs, err := embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks [%d:%d]: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed chunks [%d:%d]: got %d vectors", start, end, len(vecs))
		}
		if err := idx.AddBatch(vecs); err != nil {
			return nil, fmt.Errorf("index chunks [%d:%d]: %w", start, end, err)
		}
		if progress != nil {
			progress(end, len(texts))
		}
	}
	return idx, nil
}

// Library owns the serving snapshot. Readers get the current snapshot without
// locking; Rebuild constructs a replacement and swaps it in wholesale.
type Library struct {
	embedder   port.Embedder
	chunksPath string
	indexPath  string
	batchSize  int

	current   atomic.Pointer[Snapshot]
	rebuildMu sync.Mutex
}

// NewLibrary creates a library reading chunks and index from the given paths.
func NewLibrary(embedder port.Embedder, chunksPath, indexPath string, batchSize int) *Library {
	return &Library{
		embedder:   embedder,
		chunksPath: chunksPath,
		indexPath:  indexPath,
		batchSize:  batchSize,
	}
}

// Snapshot returns the serving snapshot, or nil before the first Load/Set.
func (l *Library) Snapshot() *Snapshot {
	return l.current.Load()
}

// Set replaces the serving snapshot.
func (l *Library) Set(s *Snapshot) {
	l.current.Store(s)
}

// Load reads the chunk and index files and installs them as the serving
// snapshot. Every failure is a resource error.
func (l *Library) Load() error {
	chunks, err := corpus.LoadChunks(l.chunksPath)
	if err != nil {
		return fmt.Errorf("%w: load chunks: %w", port.ErrResource, err)
	}
	idx, err := index.Open(l.indexPath)
	if err != nil {
		return fmt.Errorf("%w: load index: %w", port.ErrResource, err)
	}
	if want := l.embedder.Dimension(); idx.Dimension() != want {
		return fmt.Errorf("%w: index %s: %w", port.ErrResource, l.indexPath, &port.DimensionError{Want: want, Got: idx.Dimension()})
	}
	snap, err := NewSnapshot(chunks, idx)
	if err != nil {
		return fmt.Errorf("%w: %w", port.ErrResource, err)
	}
	l.Set(snap)
	slog.Info("corpus loaded", "chunks", snap.Len(), "dimension", snap.Dimension(), "index", l.indexPath)
	return nil
}

// Rebuild re-reads the chunk file, embeds every chunk, persists the new index
// and swaps it in. Only one rebuild runs at a time; the serving snapshot is
// untouched unless the rebuild succeeds.
func (l *Library) Rebuild(ctx context.Context, progress func(done, total int)) (*Snapshot, error) {
	if !l.rebuildMu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer l.rebuildMu.Unlock()

	start := time.Now()
	chunks, err := corpus.LoadChunks(l.chunksPath)
	if err != nil {
		return nil, fmt.Errorf("rebuild: load chunks: %w", err)
	}
	idx, err := BuildIndex(ctx, l.embedder, chunks, l.batchSize, progress)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	snap, err := NewSnapshot(chunks, idx)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if err := idx.Save(l.indexPath); err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	l.Set(snap)
	slog.Info("index rebuilt", "chunks", snap.Len(), "dimension", snap.Dimension(), "duration", time.Since(start))
	return snap, nil
}
