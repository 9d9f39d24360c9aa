package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// exclusiveEmbedder fails the test if two calls overlap.
type exclusiveEmbedder struct {
	t      *testing.T
	active atomic.Int32
	calls  atomic.Int32
	delay  time.Duration
}

func (e *exclusiveEmbedder) ModelName() string { return "exclusive" }
func (e *exclusiveEmbedder) Dimension() int    { return 1 }

func (e *exclusiveEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *exclusiveEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.active.Add(1) != 1 {
		e.t.Error("concurrent call into wrapped embedder")
	}
	defer e.active.Add(-1)
	e.calls.Add(1)
	time.Sleep(e.delay)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestSerial_NoOverlap(t *testing.T) {
	inner := &exclusiveEmbedder{t: t, delay: time.Millisecond}
	s := NewSerial(inner)
	defer s.Close()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := string(make([]byte, i+1))
			v, err := s.Embed(context.Background(), text)
			if err != nil {
				t.Errorf("Embed failed: %v", err)
				return
			}
			if v[0] != float32(i+1) {
				t.Errorf("Embed = %v, want %d", v, i+1)
			}
		}()
	}
	wg.Wait()
	if got := inner.calls.Load(); got != 16 {
		t.Fatalf("calls = %d, want 16", got)
	}
}

func TestSerial_CancelledContext(t *testing.T) {
	inner := &exclusiveEmbedder{t: t}
	s := NewSerial(inner)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.EmbedBatch(ctx, []string{"x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSerial_Closed(t *testing.T) {
	s := NewSerial(&exclusiveEmbedder{t: t})
	s.Close()
	s.Close()
	if _, err := s.Embed(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
