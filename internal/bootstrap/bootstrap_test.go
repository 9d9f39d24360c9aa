package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturoeanton/wikirag/internal/adapter/ai"
	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/port"
	"github.com/arturoeanton/wikirag/pkg/config"
)

func TestOpenEmbedder_Hashing(t *testing.T) {
	e, err := OpenEmbedder(context.Background(), config.EmbedderConfig{Provider: "hashing", Dimension: 32})
	if err != nil {
		t.Fatalf("OpenEmbedder failed: %v", err)
	}
	defer e.Close()
	if e.Dimension() != 32 {
		t.Fatalf("Dimension = %d, want 32", e.Dimension())
	}

	s, err := OpenEmbedder(context.Background(), config.EmbedderConfig{Provider: "hashing", Dimension: 32, Serialize: true})
	if err != nil {
		t.Fatalf("OpenEmbedder failed: %v", err)
	}
	if _, ok := s.(*ai.Serial); !ok {
		t.Fatalf("serialized embedder is %T, want *ai.Serial", s)
	}
	v, err := s.Embed(context.Background(), "civil war")
	if err != nil || len(v) != 32 {
		t.Fatalf("Embed = %v, %v", v, err)
	}
	s.Close()
}

func TestOpenEmbedder_Unavailable(t *testing.T) {
	tests := []config.EmbedderConfig{
		{Provider: "hashing", Dimension: 0},
		{Provider: "bert"},
		{Provider: "openai", ModelName: "text-embedding-3-small"},
		{Provider: "ollama", ModelName: "all-minilm", BaseURL: "http://127.0.0.1:1", BatchSize: 1},
	}
	for _, cfg := range tests {
		if _, err := OpenEmbedder(context.Background(), cfg); !errors.Is(err, port.ErrModelUnavailable) {
			t.Fatalf("OpenEmbedder(%+v) err = %v, want ErrModelUnavailable", cfg, err)
		}
	}
}

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(config.GeneratorConfig{Provider: "ollama", ModelName: "llama3.2:latest"})
	if err != nil || g.ModelName() != "llama3.2:latest" {
		t.Fatalf("NewGenerator = %v, %v", g, err)
	}
	if _, err := NewGenerator(config.GeneratorConfig{Provider: "gemini"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestOpenHistory(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		cfg := config.Default()
		cfg.DB.Driver = driver
		cfg.DB.Path = filepath.Join(t.TempDir(), "nested", "history.db")

		s, err := OpenHistory(context.Background(), cfg)
		if err != nil {
			t.Fatalf("%s: OpenHistory failed: %v", driver, err)
		}
		if err := s.Append(context.Background(), domain.RoleUser, "hi", time.Now()); err != nil {
			t.Fatalf("%s: Append failed: %v", driver, err)
		}
		msgs, _ := s.List(context.Background(), 0)
		if len(msgs) != 1 {
			t.Fatalf("%s: List = %v", driver, msgs)
		}
		s.Close()
	}
}

func TestNewRAG(t *testing.T) {
	cfg := config.Default()
	e, _ := ai.NewHashingEmbedder(16)
	lib, rag := NewRAG(cfg, e, stubGen{}, nil)
	if lib == nil || rag == nil {
		t.Fatal("NewRAG returned nil")
	}
	// Nothing loaded yet: default policy allows an empty corpus.
	hits, err := rag.Retriever().Retrieve(context.Background(), "war", cfg.Retrieval.K)
	if err != nil || len(hits) != 0 {
		t.Fatalf("Retrieve = %v, %v", hits, err)
	}
}

type stubGen struct{}

func (stubGen) ModelName() string                                { return "stub" }
func (stubGen) Generate(context.Context, string) (string, error) { return "ok", nil }
