package ai

import (
	"context"
	"errors"
	"sync"

	"github.com/arturoeanton/wikirag/internal/port"
)

// ErrClosed is returned by Serial after Close.
var ErrClosed = errors.New("embedder closed")

// Serial wraps an embedder whose model is not safe for concurrent use. All
// calls are funnelled through one worker goroutine; callers block until their
// request has been served or their context is done.
type Serial struct {
	inner port.Embedder
	jobs  chan serialJob
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

type serialJob struct {
	ctx   context.Context
	texts []string
	reply chan serialResult
}

type serialResult struct {
	vecs [][]float32
	err  error
}

// NewSerial starts the worker. Call Close to stop it.
func NewSerial(inner port.Embedder) *Serial {
	s := &Serial{
		inner: inner,
		jobs:  make(chan serialJob),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Serial) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.reply <- serialResult{err: err}
				continue
			}
			vecs, err := s.inner.EmbedBatch(j.ctx, j.texts)
			j.reply <- serialResult{vecs: vecs, err: err}
		}
	}
}

// ModelName returns the wrapped model identifier.
func (s *Serial) ModelName() string { return s.inner.ModelName() }

// Dimension returns the wrapped model dimension.
func (s *Serial) Dimension() int { return s.inner.Dimension() }

// Embed queues a single text.
func (s *Serial) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.submit(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch queues texts as one unit of work.
func (s *Serial) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.submit(ctx, texts)
}

func (s *Serial) submit(ctx context.Context, texts []string) ([][]float32, error) {
	j := serialJob{ctx: ctx, texts: texts, reply: make(chan serialResult, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.vecs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker after the in-flight request, if any, completes.
func (s *Serial) Close() error {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	return nil
}
