package ai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/arturoeanton/wikirag/internal/port"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string // empty = api.openai.com
	Token   string
	Model   string
}

func newOpenAIClient(cfg OpenAIConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}

// OpenAIEmbedder uses the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client      *openai.Client
	model       string
	dimension   int
	batchSize   int
	parallelism int
}

// OpenOpenAIEmbedder resolves the model with a warm-up request. Failures are
// reported as port.ErrModelUnavailable.
func OpenOpenAIEmbedder(ctx context.Context, cfg OpenAIConfig, dimension, batchSize int) (*OpenAIEmbedder, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: openai token not set", port.ErrModelUnavailable)
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	e := &OpenAIEmbedder{
		client:      newOpenAIClient(cfg),
		model:       cfg.Model,
		batchSize:   batchSize,
		parallelism: 4,
	}
	vecs, err := e.embed(ctx, []string{warmupText})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", port.ErrModelUnavailable, cfg.Model, err)
	}
	got := len(vecs[0])
	if got == 0 || (dimension > 0 && got != dimension) {
		return nil, fmt.Errorf("%w: %s: %v", port.ErrModelUnavailable, cfg.Model, &port.DimensionError{Want: dimension, Got: got})
	}
	e.dimension = got
	return e, nil
}

// ModelName returns the embedding model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.model }

// Dimension returns the length of the produced vectors.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkEncodable(0, text); err != nil {
		return nil, err
	}
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if err := checkDims(vecs, e.dimension); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into batches and embeds up to parallelism batches
// at a time. Output order equals input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if err := checkEncodable(i, t); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for start := 0; start < len(texts); start += e.batchSize {
		start, end := start, min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("openai embed batch [%d:%d]: %w", start, end, err)
			}
			if err := checkDims(vecs, e.dimension); err != nil {
				return fmt.Errorf("openai embed batch: %w", err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OpenAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("unexpected embedding index %d", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i := range d.Embedding {
			v[i] = float32(d.Embedding[i])
		}
		out[d.Index] = v
	}
	return out, nil
}

// OpenAIGenerator implements port.Generator with the chat completions API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator creates a chat-completion backed generator.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	return &OpenAIGenerator{client: newOpenAIClient(cfg), model: cfg.Model}
}

// ModelName returns the generation model identifier.
func (g *OpenAIGenerator) ModelName() string { return g.model }

// Generate sends prompt as a single user message.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai generate: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
