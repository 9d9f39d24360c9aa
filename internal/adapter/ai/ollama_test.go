package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturoeanton/wikirag/internal/port"
)

// fakeOllama embeds each input as [len(text), 1, 0] and echoes generate prompts.
func fakeOllama(t *testing.T, embedCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		embedCalls.Add(1)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "all-minilm" {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			return
		}
		out := make([][]float32, len(req.Input))
		for i, in := range req.Input {
			out[i] = []float32{float32(len(in)), 1, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			http.Error(w, "stream not expected", http.StatusBadRequest)
			return
		}
		if strings.Contains(req.Prompt, "slow") {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "echo: " + req.Prompt, "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenOllamaEmbedder_ResolvesDimension(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)

	e, err := OpenOllamaEmbedder(context.Background(), OllamaEndpointConfig{BaseURL: srv.URL, Model: "all-minilm"}, 0, 2)
	if err != nil {
		t.Fatalf("OpenOllamaEmbedder failed: %v", err)
	}
	if e.Dimension() != 3 {
		t.Fatalf("Dimension = %d, want 3", e.Dimension())
	}
	if e.ModelName() != "all-minilm" {
		t.Fatalf("ModelName = %q", e.ModelName())
	}
}

func TestOpenOllamaEmbedder_UnknownModel(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)

	_, err := OpenOllamaEmbedder(context.Background(), OllamaEndpointConfig{BaseURL: srv.URL, Model: "missing"}, 0, 0)
	if !errors.Is(err, port.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if !errors.Is(err, port.ErrResource) {
		t.Fatalf("err = %v, want ErrResource", err)
	}
}

func TestOpenOllamaEmbedder_DimensionPinned(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)

	_, err := OpenOllamaEmbedder(context.Background(), OllamaEndpointConfig{BaseURL: srv.URL, Model: "all-minilm"}, 384, 0)
	if !errors.Is(err, port.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestOllamaEmbedder_BatchSplitsAndPreservesOrder(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)
	ctx := context.Background()

	e, err := OpenOllamaEmbedder(ctx, OllamaEndpointConfig{BaseURL: srv.URL, Model: "all-minilm"}, 3, 2)
	if err != nil {
		t.Fatalf("OpenOllamaEmbedder failed: %v", err)
	}
	calls.Store(0)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if vecs[i][0] != single[0] || vecs[i][0] != float32(len(text)) {
			t.Fatalf("vecs[%d] = %v, single = %v", i, vecs[i], single)
		}
	}
}

func TestOllamaEmbedder_EmptyText(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)
	e, _ := OpenOllamaEmbedder(context.Background(), OllamaEndpointConfig{BaseURL: srv.URL, Model: "all-minilm"}, 0, 0)
	calls.Store(0)

	if _, err := e.Embed(context.Background(), ""); !errors.Is(err, port.ErrEncoding) {
		t.Fatalf("err = %v, want ErrEncoding", err)
	}
	if calls.Load() != 0 {
		t.Fatal("empty text must not reach the model")
	}
}

func TestOllamaGenerator_Generate(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)

	g := NewOllamaGenerator(OllamaEndpointConfig{BaseURL: srv.URL, Model: "llama3.2:latest"})
	out, err := g.Generate(context.Background(), "Question: hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "echo: Question: hi" {
		t.Fatalf("Generate = %q", out)
	}
}

func TestOllamaGenerator_HonoursDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, &calls)

	g := NewOllamaGenerator(OllamaEndpointConfig{BaseURL: srv.URL, Model: "llama3.2:latest"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Generate(ctx, "slow question")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Generate did not return promptly after the deadline")
	}
}
