package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/observability"
	"github.com/arturoeanton/wikirag/internal/port"
)

// Empty-context policies.
const (
	PolicyBestEffort = "best_effort"
	PolicyFail       = "fail"
)

// contextSeparator joins retrieved chunk texts in the generation context.
const contextSeparator = "\n"

// RAGConfig tunes the orchestrator.
type RAGConfig struct {
	// EmptyContextPolicy is PolicyBestEffort (answer ungrounded) or PolicyFail
	// (return port.ErrNoContext) when nothing is retrieved.
	EmptyContextPolicy string
	// GenerationTimeout bounds each generator call. Zero means no extra bound.
	GenerationTimeout time.Duration
}

// RAGService answers questions grounded on retrieved corpus chunks.
type RAGService struct {
	retriever *Retriever
	generator port.Generator
	history   port.HistorySink
	cfg       RAGConfig
}

// NewRAGService creates a new RAG service. history may be nil.
func NewRAGService(retriever *Retriever, generator port.Generator, history port.HistorySink, cfg RAGConfig) *RAGService {
	if cfg.EmptyContextPolicy == "" {
		cfg.EmptyContextPolicy = PolicyBestEffort
	}
	return &RAGService{retriever: retriever, generator: generator, history: history, cfg: cfg}
}

// Retriever returns the retrieval pipeline used by the service.
func (s *RAGService) Retriever() *Retriever { return s.retriever }

// BuildPrompt renders the fixed prompt template for query over the given
// context passages.
func BuildPrompt(query string, passages []string) string {
	return "Context:\n" + strings.Join(passages, contextSeparator) + "\n\nQuestion: " + query + "\nAnswer:"
}

// Answer retrieves the top-k chunks for query, prompts the generator with
// them and returns its output verbatim along with the supporting chunks.
func (s *RAGService) Answer(ctx context.Context, query string, k int) (*domain.Answer, error) {
	if err := validate(query, k); err != nil {
		return nil, err
	}
	askedAt := time.Now()
	slog.Info("RAG query", "question", query, "k", k)

	ctx, span := observability.StartAnswerSpan(ctx, k)
	defer span.End()

	chunks, err := s.retriever.Retrieve(ctx, query, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if len(chunks) == 0 && s.cfg.EmptyContextPolicy == PolicyFail {
		observability.RecordError(span, port.ErrNoContext)
		return nil, port.ErrNoContext
	}

	ans := &domain.Answer{SupportingChunks: chunks}
	ans.Text, err = s.generate(ctx, BuildPrompt(query, ans.Texts()))
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	s.record(context.WithoutCancel(ctx), query, askedAt, ans.Text)
	return ans, nil
}

func (s *RAGService) generate(ctx context.Context, prompt string) (string, error) {
	if s.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GenerationTimeout)
		defer cancel()
	}
	ctx, span := observability.StartGenerateSpan(ctx, s.generator.ModelName(), len(prompt))
	defer span.End()

	text, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("%w: %s: %w", port.ErrGeneration, s.generator.ModelName(), err)
	}
	return text, nil
}

func (s *RAGService) record(ctx context.Context, query string, askedAt time.Time, answer string) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, domain.RoleUser, query, askedAt); err != nil {
		slog.Error("failed to store chat history", "role", domain.RoleUser, "error", err)
	}
	if err := s.history.Append(ctx, domain.RoleSystem, answer, time.Now()); err != nil {
		slog.Error("failed to store chat history", "role", domain.RoleSystem, "error", err)
	}
}
