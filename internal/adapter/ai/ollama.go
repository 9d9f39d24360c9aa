package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arturoeanton/wikirag/internal/port"
)

// OllamaEndpointConfig holds the configuration for a single Ollama endpoint.
type OllamaEndpointConfig struct {
	BaseURL string // e.g. http://localhost:11434 or https://api.ollama.com
	Model   string // e.g. all-minilm, llama3.2:latest
	Token   string // Bearer token for Ollama Cloud (empty = no auth)
}

type ollamaClient struct {
	cfg        OllamaEndpointConfig
	httpClient *http.Client
}

// post is a helper for POST requests to an Ollama endpoint (with optional bearer token).
func (o *ollamaClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.cfg.BaseURL, "/")+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.Token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// OllamaEmbedder implements port.Embedder using the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	client    ollamaClient
	dimension int
	batchSize int
}

// OpenOllamaEmbedder resolves the model by embedding a warm-up text and records
// the vector dimension. If dimension > 0 the model must produce vectors of
// exactly that size. Any failure is reported as port.ErrModelUnavailable.
func OpenOllamaEmbedder(ctx context.Context, cfg OllamaEndpointConfig, dimension, batchSize int) (*OllamaEmbedder, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	e := &OllamaEmbedder{
		client:    ollamaClient{cfg: cfg, httpClient: &http.Client{}},
		batchSize: batchSize,
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
func (e *OllamaEmbedder) ModelName() string { return e.client.cfg.Model }

// Dimension returns the length of the produced vectors.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Embed generates a vector embedding for the given text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkEncodable(0, text); err != nil {
		return nil, err
	}
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if err := checkDims(vecs, e.dimension); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for texts in order, batchSize texts per request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if err := checkEncodable(i, t); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("ollama embed batch [%d:%d]: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("ollama embed batch: got %d embeddings for %d inputs", len(vecs), end-start)
		}
		if err := checkDims(vecs, e.dimension); err != nil {
			return nil, fmt.Errorf("ollama embed batch: %w", err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{
		"model": e.client.cfg.Model,
		"input": texts,
	}

	body, err := e.client.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	return resp.Embeddings, nil
}

// OllamaGenerator implements port.Generator using the Ollama /api/generate endpoint.
type OllamaGenerator struct {
	client ollamaClient
}

// NewOllamaGenerator creates a generator for the given endpoint.
func NewOllamaGenerator(cfg OllamaEndpointConfig) *OllamaGenerator {
	return &OllamaGenerator{client: ollamaClient{cfg: cfg, httpClient: &http.Client{}}}
}

// ModelName returns the generation model identifier.
func (g *OllamaGenerator) ModelName() string { return g.client.cfg.Model }

// Generate sends a single prompt and returns the complete response.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":  g.client.cfg.Model,
		"prompt": prompt,
		"stream": false,
	}

	body, err := g.client.post(ctx, "/api/generate", payload)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	var resp struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("ollama generate decode: %w", err)
	}
	if !resp.Done {
		return "", fmt.Errorf("ollama generate: incomplete response")
	}
	return resp.Response, nil
}
