package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arturoeanton/wikirag/internal/bootstrap"
	"github.com/arturoeanton/wikirag/internal/corpus"
	"github.com/arturoeanton/wikirag/internal/service"
	"github.com/arturoeanton/wikirag/pkg/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Build and query the WikiRAG corpus index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			slog.SetDefault(cfg.NewLogger())
			return nil
		},
	}

	// preprocess
	var (
		inputPath string
		chunkSize int
	)
	preprocessCmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Normalize a raw corpus and segment it into chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := resolveChunkSize(cmd.Flags().Changed("chunk-size"), chunkSize, cfg.Corpus.ChunkSize)
			if err != nil {
				return err
			}
			n, err := runPreprocess(inputPath, cfg.Corpus.ChunksPath, size)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d chunks to %s\n", n, cfg.Corpus.ChunksPath)
			return nil
		},
	}
	preprocessCmd.Flags().StringVar(&inputPath, "input", "", "Raw corpus file, one record per line")
	preprocessCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Words per chunk (overrides config)")
	_ = preprocessCmd.MarkFlagRequired("input")

	// build
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Embed every chunk and write the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := runBuild(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks (dim %d) to %s\n", snap.Len(), snap.Dimension(), cfg.Corpus.IndexPath)
			return nil
		},
	}

	// query
	var k int
	queryCmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Print the k chunks nearest to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cfg, args[0], pickK(k, cfg), cmd.OutOrStdout())
		},
	}
	queryCmd.Flags().IntVarP(&k, "k", "k", 0, "Number of chunks to retrieve (overrides config)")

	// ask
	var askK int
	askCmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question grounded on the indexed corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cfg, args[0], pickK(askK, cfg), cmd.OutOrStdout())
		},
	}
	askCmd.Flags().IntVarP(&askK, "k", "k", 0, "Number of chunks to retrieve (overrides config)")

	rootCmd.AddCommand(preprocessCmd, buildCmd, queryCmd, askCmd)
	return rootCmd
}

// resolveChunkSize returns the flag value when it was given, else the
// configured size.
func resolveChunkSize(flagSet bool, flagValue, configured int) (int, error) {
	if !flagSet {
		return configured, nil
	}
	if flagValue < 1 {
		return 0, fmt.Errorf("--chunk-size must be at least 1, got %d", flagValue)
	}
	return flagValue, nil
}

func pickK(k int, cfg *config.Config) int {
	if k > 0 {
		return k
	}
	return cfg.Retrieval.K
}

func runPreprocess(inputPath, outputPath string, chunkSize int) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	records, err := corpus.ReadRecords(f)
	if err != nil {
		return 0, err
	}
	chunks := corpus.Preprocess(records, chunkSize)
	if err := corpus.SaveChunks(outputPath, chunks); err != nil {
		return 0, fmt.Errorf("save chunks: %w", err)
	}
	slog.Info("Corpus preprocessed", "records", len(records), "chunks", len(chunks))
	return len(chunks), nil
}

func runBuild(ctx context.Context, cfg *config.Config, progressOut io.Writer) (*service.Snapshot, error) {
	embedder, err := bootstrap.OpenEmbedder(ctx, cfg.Embedder)
	if err != nil {
		return nil, err
	}
	defer embedder.Close()

	lib := service.NewLibrary(embedder, cfg.Corpus.ChunksPath, cfg.Corpus.IndexPath, cfg.Embedder.BatchSize)
	return lib.Rebuild(ctx, func(done, total int) {
		fmt.Fprintf(progressOut, "\rembedded %d/%d", done, total)
		if done == total {
			fmt.Fprintln(progressOut)
		}
	})
}

func runQuery(ctx context.Context, cfg *config.Config, query string, k int, out io.Writer) error {
	embedder, err := bootstrap.OpenEmbedder(ctx, cfg.Embedder)
	if err != nil {
		return err
	}
	defer embedder.Close()

	lib, rag := bootstrap.NewRAG(cfg, embedder, nil, nil)
	if err := lib.Load(); err != nil {
		return err
	}

	hits, err := rag.Retriever().Retrieve(ctx, query, k)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(hits)
}

func runAsk(ctx context.Context, cfg *config.Config, question string, k int, out io.Writer) error {
	embedder, err := bootstrap.OpenEmbedder(ctx, cfg.Embedder)
	if err != nil {
		return err
	}
	defer embedder.Close()

	generator, err := bootstrap.NewGenerator(cfg.Generator)
	if err != nil {
		return err
	}

	lib, rag := bootstrap.NewRAG(cfg, embedder, generator, nil)
	if err := lib.Load(); err != nil {
		return err
	}

	answer, err := rag.Answer(ctx, question, k)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer.Text)
	if len(answer.SupportingChunks) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sources:")
		for _, c := range answer.SupportingChunks {
			fmt.Fprintf(out, "  [%d] %.4f  %s\n", c.ID, c.Distance, preview(c.Text, 80))
		}
	}
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
