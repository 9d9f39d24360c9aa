// Package bootstrap turns configuration into the long-lived handles both
// binaries share: embedder, generator and history store.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arturoeanton/wikirag/internal/adapter/ai"
	"github.com/arturoeanton/wikirag/internal/adapter/store"
	"github.com/arturoeanton/wikirag/internal/port"
	"github.com/arturoeanton/wikirag/internal/service"
	"github.com/arturoeanton/wikirag/pkg/config"
)

// Embedder is a port.Embedder that may hold resources.
type Embedder interface {
	port.Embedder
	io.Closer
}

type nopCloser struct{ port.Embedder }

func (nopCloser) Close() error { return nil }

// OpenEmbedder resolves the configured embedding model. Failure is a
// port.ErrModelUnavailable and must stop startup.
func OpenEmbedder(ctx context.Context, cfg config.EmbedderConfig) (Embedder, error) {
	var (
		e   port.Embedder
		err error
	)
	switch cfg.Provider {
	case "ollama":
		e, err = ai.OpenOllamaEmbedder(ctx, ai.OllamaEndpointConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.ModelName,
			Token:   cfg.Token,
		}, cfg.Dimension, cfg.BatchSize)
	case "openai":
		e, err = ai.OpenOpenAIEmbedder(ctx, ai.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Model:   cfg.ModelName,
		}, cfg.Dimension, cfg.BatchSize)
	case "hashing":
		e, err = ai.NewHashingEmbedder(cfg.Dimension)
		if err != nil {
			err = fmt.Errorf("%w: %v", port.ErrModelUnavailable, err)
		}
	default:
		err = fmt.Errorf("%w: unknown embedder provider %q", port.ErrModelUnavailable, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("embedding model ready", "provider", cfg.Provider, "model", e.ModelName(), "dimension", e.Dimension())
	if cfg.Serialize {
		return ai.NewSerial(e), nil
	}
	return nopCloser{e}, nil
}

// NewGenerator builds the configured generation backend.
func NewGenerator(cfg config.GeneratorConfig) (port.Generator, error) {
	switch cfg.Provider {
	case "ollama":
		return ai.NewOllamaGenerator(ai.OllamaEndpointConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.ModelName,
			Token:   cfg.Token,
		}), nil
	case "openai":
		return ai.NewOpenAIGenerator(ai.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Model:   cfg.ModelName,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

// HistoryStore is a chat history and audit store with a lifetime.
type HistoryStore interface {
	port.HistoryStore
	port.AuditStore
	io.Closer
}

type memoryStore struct{ *store.Memory }

func (memoryStore) Close() error { return nil }

// OpenHistory opens the configured store and creates its tables.
func OpenHistory(ctx context.Context, cfg *config.Config) (HistoryStore, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch cfg.DB.Driver {
	case "memory":
		return memoryStore{store.NewMemory()}, nil
	case "postgres":
		s, err = store.NewPostgresStore(cfg.DatabaseURL())
	case "sqlite":
		s, err = store.NewSQLiteStore(cfg.DB.Path)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewRAG assembles the library, retriever and orchestrator from cfg.
func NewRAG(cfg *config.Config, embedder port.Embedder, generator port.Generator, history port.HistorySink) (*service.Library, *service.RAGService) {
	lib := service.NewLibrary(embedder, cfg.Corpus.ChunksPath, cfg.Corpus.IndexPath, cfg.Embedder.BatchSize)
	retriever := service.NewRetriever(embedder, lib, cfg.Retrieval.AllowEmptyIndex)
	rag := service.NewRAGService(retriever, generator, history, service.RAGConfig{
		EmptyContextPolicy: cfg.Retrieval.EmptyContextPolicy,
		GenerationTimeout:  time.Duration(cfg.Generator.TimeoutSecs) * time.Second,
	})
	return lib, rag
}
