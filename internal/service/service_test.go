package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturoeanton/wikirag/internal/adapter/ai"
	"github.com/arturoeanton/wikirag/internal/adapter/store"
	"github.com/arturoeanton/wikirag/internal/corpus"
	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/index"
	"github.com/arturoeanton/wikirag/internal/port"
)

const civilWar = "The American Civil War was fought from 1861 to 1865."

// fakeGenerator records prompts and answers with a canned reply.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
	block   bool
}

func (g *fakeGenerator) ModelName() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

// countingEmbedder wraps an embedder and counts calls.
type countingEmbedder struct {
	port.Embedder
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Embedder.Embed(ctx, text)
}

func newEmbedder(t *testing.T) *ai.HashingEmbedder {
	t.Helper()
	e, err := ai.NewHashingEmbedder(256)
	if err != nil {
		t.Fatalf("NewHashingEmbedder failed: %v", err)
	}
	return e
}

func newLibrary(t *testing.T, embedder port.Embedder, texts ...string) *Library {
	t.Helper()
	chunks := corpus.Preprocess(texts, corpus.DefaultChunkSize)
	idx, err := BuildIndex(context.Background(), embedder, chunks, 2, nil)
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	snap, err := NewSnapshot(chunks, idx)
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	lib := NewLibrary(embedder, "", "", 2)
	lib.Set(snap)
	return lib
}

func TestEndToEnd_SingleChunk(t *testing.T) {
	emb := newEmbedder(t)
	lib := newLibrary(t, emb, civilWar)
	gen := &fakeGenerator{reply: "It was fought from 1861 to 1865."}
	rag := NewRAGService(NewRetriever(emb, lib, true), gen, nil, RAGConfig{})

	hits, err := rag.Retriever().Retrieve(context.Background(), "When was the American Civil War fought?", 4)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != civilWar || hits[0].ID != 0 {
		t.Fatalf("hits = %+v, want the single civil war chunk", hits)
	}

	ans, err := rag.Answer(context.Background(), "When was the American Civil War fought?", 4)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if ans.Text == "" {
		t.Fatal("expected non-empty answer")
	}
	if texts := ans.Texts(); len(texts) != 1 || texts[0] != civilWar {
		t.Fatalf("supporting chunks = %v, want [%q]", texts, civilWar)
	}
}

func TestRetrieve_HitsResolveToOwnChunk(t *testing.T) {
	emb := newEmbedder(t)
	texts := []string{
		"Valkyria Chronicles III is a tactical role playing game.",
		"Tower Building of the Little Rock Arsenal was built in 1840.",
		civilWar,
		"Cicely Mary Barker was an English illustrator.",
		"Gambia women's national football team represents the Gambia.",
	}
	lib := newLibrary(t, emb, texts...)
	r := NewRetriever(emb, lib, true)
	chunks := corpus.Preprocess(texts, corpus.DefaultChunkSize)

	for i, c := range chunks {
		hits, err := r.Retrieve(context.Background(), c.Text, len(chunks))
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if len(hits) != len(chunks) {
			t.Fatalf("len(hits) = %d, want %d", len(hits), len(chunks))
		}
		if hits[0].ID != i || hits[0].Distance > 1e-6 {
			t.Fatalf("top hit for chunk %d = %+v, want itself at distance 0", i, hits[0])
		}
		for j, h := range hits {
			if h.Text != chunks[h.ID].Text {
				t.Fatalf("hit %d text %q does not match chunk %d", j, h.Text, h.ID)
			}
			if j > 0 && h.Distance < hits[j-1].Distance {
				t.Fatalf("hits not ordered by distance: %+v", hits)
			}
		}
	}
}

func TestRetrieve_Validation(t *testing.T) {
	emb := &countingEmbedder{Embedder: newEmbedder(t)}
	r := NewRetriever(emb, newLibrary(t, emb.Embedder, civilWar), true)

	tests := []struct {
		name  string
		query string
		k     int
		want  error
	}{
		{"empty query", "", 3, port.ErrValidation},
		{"blank query", "   ", 3, port.ErrValidation},
		{"zero k", "war", 0, port.ErrInvalidK},
		{"negative k", "war", -1, port.ErrInvalidK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.query, tt.k)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, port.ErrValidation) {
				t.Fatalf("err = %v is not a validation error", err)
			}
		})
	}
	if n := emb.calls.Load(); n != 0 {
		t.Fatalf("embedder called %d times for invalid input", n)
	}
}

func TestRetrieve_EmptyIndexPolicy(t *testing.T) {
	emb := newEmbedder(t)
	empty := newLibrary(t, emb)
	unloaded := NewLibrary(emb, "", "", 0)

	for name, lib := range map[string]*Library{"empty": empty, "unloaded": unloaded} {
		hits, err := NewRetriever(emb, lib, true).Retrieve(context.Background(), "war", 3)
		if err != nil || len(hits) != 0 {
			t.Fatalf("%s allow: hits = %v, err = %v; want empty result", name, hits, err)
		}

		_, err = NewRetriever(emb, lib, false).Retrieve(context.Background(), "war", 3)
		if !errors.Is(err, port.ErrRetrieval) || !errors.Is(err, port.ErrEmptyIndex) {
			t.Fatalf("%s strict: err = %v, want ErrRetrieval wrapping ErrEmptyIndex", name, err)
		}
	}
}

func TestRetrieve_WrapsLowerLevelErrors(t *testing.T) {
	emb := newEmbedder(t)
	lib := newLibrary(t, emb, civilWar)

	failing := &countingEmbedder{Embedder: emb, err: port.ErrEncoding}
	_, err := NewRetriever(failing, lib, true).Retrieve(context.Background(), "war", 1)
	if !errors.Is(err, port.ErrRetrieval) || !errors.Is(err, port.ErrEncoding) {
		t.Fatalf("err = %v, want ErrRetrieval wrapping ErrEncoding", err)
	}

	small, _ := ai.NewHashingEmbedder(128)
	_, err = NewRetriever(small, lib, true).Retrieve(context.Background(), "war", 1)
	if !errors.Is(err, port.ErrRetrieval) || !errors.Is(err, port.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrRetrieval wrapping ErrDimensionMismatch", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("Who?", []string{"first passage", "second passage"})
	want := "Context:\nfirst passage\nsecond passage\n\nQuestion: Who?\nAnswer:"
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestAnswer_PromptAndHistory(t *testing.T) {
	emb := newEmbedder(t)
	lib := newLibrary(t, emb, civilWar)
	gen := &fakeGenerator{reply: "1861 to 1865"}
	hist := store.NewMemory()
	rag := NewRAGService(NewRetriever(emb, lib, true), gen, hist, RAGConfig{})

	ans, err := rag.Answer(context.Background(), "When was the war?", 2)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if ans.Text != "1861 to 1865" {
		t.Fatalf("Text = %q, want generator output verbatim", ans.Text)
	}
	if want := BuildPrompt("When was the war?", []string{civilWar}); gen.prompts[0] != want {
		t.Fatalf("prompt = %q, want %q", gen.prompts[0], want)
	}

	msgs, _ := hist.List(context.Background(), 0)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleSystem || msgs[0].Content != "1861 to 1865" {
		t.Fatalf("newest message = %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleUser || msgs[1].Content != "When was the war?" {
		t.Fatalf("oldest message = %+v", msgs[1])
	}
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Append(context.Context, domain.Role, string, time.Time) error {
	f.calls.Add(1)
	return errors.New("database down")
}

func TestAnswer_HistoryFailureIsNotReturned(t *testing.T) {
	emb := newEmbedder(t)
	sink := &failingSink{}
	rag := NewRAGService(NewRetriever(emb, newLibrary(t, emb, civilWar), true), &fakeGenerator{reply: "ok"}, sink, RAGConfig{})

	if _, err := rag.Answer(context.Background(), "war", 1); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if sink.calls.Load() != 2 {
		t.Fatalf("sink calls = %d, want 2", sink.calls.Load())
	}
}

func TestAnswer_EmptyContextPolicy(t *testing.T) {
	emb := newEmbedder(t)
	lib := newLibrary(t, emb)

	gen := &fakeGenerator{reply: "ungrounded"}
	ans, err := NewRAGService(NewRetriever(emb, lib, true), gen, nil, RAGConfig{}).Answer(context.Background(), "war", 3)
	if err != nil {
		t.Fatalf("best effort: %v", err)
	}
	if ans.Text != "ungrounded" || len(ans.SupportingChunks) != 0 {
		t.Fatalf("best effort answer = %+v", ans)
	}
	if want := BuildPrompt("war", nil); gen.prompts[0] != want {
		t.Fatalf("prompt = %q, want %q", gen.prompts[0], want)
	}

	gen = &fakeGenerator{reply: "ungrounded"}
	_, err = NewRAGService(NewRetriever(emb, lib, true), gen, nil, RAGConfig{EmptyContextPolicy: PolicyFail}).Answer(context.Background(), "war", 3)
	if !errors.Is(err, port.ErrNoContext) {
		t.Fatalf("fail policy: err = %v, want ErrNoContext", err)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator called despite fail policy")
	}
}

func TestAnswer_GenerationErrors(t *testing.T) {
	emb := newEmbedder(t)
	lib := newLibrary(t, emb, civilWar)
	hist := store.NewMemory()

	rag := NewRAGService(NewRetriever(emb, lib, true), &fakeGenerator{err: errors.New("503 unavailable")}, hist, RAGConfig{})
	_, err := rag.Answer(context.Background(), "war", 1)
	if !errors.Is(err, port.ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}
	if errors.Is(err, port.ErrRetrieval) {
		t.Fatalf("generation failure reported as retrieval failure: %v", err)
	}

	rag = NewRAGService(NewRetriever(emb, lib, true), &fakeGenerator{block: true}, hist, RAGConfig{GenerationTimeout: 20 * time.Millisecond})
	start := time.Now()
	_, err = rag.Answer(context.Background(), "war", 1)
	if !errors.Is(err, port.ErrGeneration) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrGeneration wrapping DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("generation timeout not enforced")
	}

	if msgs, _ := hist.List(context.Background(), 0); len(msgs) != 0 {
		t.Fatalf("history written for failed answers: %+v", msgs)
	}
}

func TestAnswer_Validation(t *testing.T) {
	emb := newEmbedder(t)
	gen := &fakeGenerator{reply: "x"}
	rag := NewRAGService(NewRetriever(emb, newLibrary(t, emb, civilWar), true), gen, nil, RAGConfig{})

	if _, err := rag.Answer(context.Background(), "", 3); !errors.Is(err, port.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := rag.Answer(context.Background(), "war", 0); !errors.Is(err, port.ErrInvalidK) {
		t.Fatalf("err = %v, want ErrInvalidK", err)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator called for invalid input")
	}
}

func TestNewSnapshot_Misaligned(t *testing.T) {
	idx, _ := index.Build(2, [][]float32{{0, 0}, {1, 1}})
	chunks := []domain.Chunk{{ID: 0, Text: "a"}, {ID: 1, Text: "b"}, {ID: 2, Text: "c"}}
	if _, err := NewSnapshot(chunks, idx); !errors.Is(err, port.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if _, err := NewSnapshot([]domain.Chunk{{ID: 1, Text: "a"}, {ID: 0, Text: "b"}}, idx); !errors.Is(err, port.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence for out-of-order ids", err)
	}
}

func TestLibrary_LoadAndRebuild(t *testing.T) {
	dir := t.TempDir()
	chunksPath := filepath.Join(dir, "chunks.txt")
	indexPath := filepath.Join(dir, "index.bin")
	emb := newEmbedder(t)

	chunks := corpus.Preprocess([]string{civilWar, "Tower Building of the Little Rock Arsenal."}, 200)
	if err := corpus.SaveChunks(chunksPath, chunks); err != nil {
		t.Fatalf("SaveChunks failed: %v", err)
	}

	lib := NewLibrary(emb, chunksPath, indexPath, 1)
	if err := lib.Load(); !errors.Is(err, port.ErrResource) {
		t.Fatalf("Load without index: err = %v, want ErrResource", err)
	}

	var progress []int
	snap, err := lib.Rebuild(context.Background(), func(done, total int) { progress = append(progress, done) })
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if snap.Len() != 2 || lib.Snapshot() != snap {
		t.Fatalf("snapshot not installed: len %d", snap.Len())
	}
	if len(progress) != 2 || progress[1] != 2 {
		t.Fatalf("progress = %v, want [1 2]", progress)
	}

	reloaded := NewLibrary(emb, chunksPath, indexPath, 1)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Snapshot().Len() != 2 || reloaded.Snapshot().Dimension() != 256 {
		t.Fatalf("reloaded snapshot len %d dim %d", reloaded.Snapshot().Len(), reloaded.Snapshot().Dimension())
	}

	other, _ := ai.NewHashingEmbedder(64)
	if err := NewLibrary(other, chunksPath, indexPath, 1).Load(); !errors.Is(err, port.ErrResource) || !errors.Is(err, port.ErrDimensionMismatch) {
		t.Fatalf("Load with wrong model: err = %v, want ErrResource wrapping ErrDimensionMismatch", err)
	}

	if err := corpus.SaveChunks(chunksPath, chunks[:1]); err != nil {
		t.Fatalf("SaveChunks failed: %v", err)
	}
	if err := reloaded.Load(); !errors.Is(err, port.ErrPersistence) {
		t.Fatalf("Load misaligned: err = %v, want ErrPersistence", err)
	}
	if reloaded.Snapshot().Len() != 2 {
		t.Fatal("failed Load replaced the serving snapshot")
	}
}

// gatedEmbedder blocks EmbedBatch until release is closed.
type gatedEmbedder struct {
	port.Embedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Embedder.EmbedBatch(ctx, texts)
}

func TestLibrary_SingleRebuild(t *testing.T) {
	dir := t.TempDir()
	chunksPath := filepath.Join(dir, "chunks.txt")
	if err := corpus.SaveChunks(chunksPath, corpus.Preprocess([]string{civilWar}, 200)); err != nil {
		t.Fatalf("SaveChunks failed: %v", err)
	}
	emb := &gatedEmbedder{Embedder: newEmbedder(t), entered: make(chan struct{}), release: make(chan struct{})}
	lib := NewLibrary(emb, chunksPath, filepath.Join(dir, "index.bin"), 0)

	done := make(chan error, 1)
	go func() {
		_, err := lib.Rebuild(context.Background(), nil)
		done <- err
	}()
	<-emb.entered

	if _, err := lib.Rebuild(context.Background(), nil); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("err = %v, want ErrRebuildInProgress", err)
	}
	close(emb.release)
	if err := <-done; err != nil {
		t.Fatalf("first Rebuild failed: %v", err)
	}
}

func TestRetrieve_ConcurrentWithRebuild(t *testing.T) {
	dir := t.TempDir()
	chunksPath := filepath.Join(dir, "chunks.txt")
	if err := corpus.SaveChunks(chunksPath, corpus.Preprocess([]string{civilWar, "Little Rock Arsenal"}, 200)); err != nil {
		t.Fatalf("SaveChunks failed: %v", err)
	}
	emb := newEmbedder(t)
	lib := NewLibrary(emb, chunksPath, filepath.Join(dir, "index.bin"), 1)
	if _, err := lib.Rebuild(context.Background(), nil); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	r := NewRetriever(emb, lib, false)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				hits, err := r.Retrieve(context.Background(), "civil war", 2)
				if err != nil || len(hits) != 2 {
					t.Errorf("Retrieve = %v, %v", hits, err)
					return
				}
			}
		}()
	}
	for range 3 {
		if _, err := lib.Rebuild(context.Background(), nil); err != nil {
			t.Errorf("Rebuild failed: %v", err)
		}
	}
	wg.Wait()
}
