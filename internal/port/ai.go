package port

import "context"

// Embedder maps text to fixed-dimension vectors.
// Implementations can target Ollama, OpenAI, or a local model.
type Embedder interface {
	// ModelName returns the identifier of the loaded model.
	ModelName() string

	// Dimension returns the length of every vector this embedder produces.
	Dimension() int

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in input order. Each result must equal what
	// Embed returns for the same text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator is the opaque text generation backend: prompt in, text out.
type Generator interface {
	// ModelName returns the identifier of the generation model.
	ModelName() string

	// Generate returns the model's full response to prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}
