package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/arturoeanton/wikirag/internal/bootstrap"
	"github.com/arturoeanton/wikirag/internal/handler"
	"github.com/arturoeanton/wikirag/internal/mcp"
	"github.com/arturoeanton/wikirag/internal/middleware"
	"github.com/arturoeanton/wikirag/internal/observability"
	"github.com/arturoeanton/wikirag/pkg/config"
)

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	slog.Info("🚀 Starting WikiRAG",
		"port", cfg.Port,
		"embedder", cfg.Embedder.Provider+"/"+cfg.Embedder.ModelName,
		"generator", cfg.Generator.Provider+"/"+cfg.Generator.ModelName,
		"db", cfg.DSN(),
		"mcp_enabled", cfg.MCP.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Tracing ──────────────────────────────────────────────────────────
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "wikirag",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	// ── Database ─────────────────────────────────────────────────────────
	history, err := bootstrap.OpenHistory(ctx, cfg)
	if err != nil {
		slog.Error("failed to open history store", "error", err)
		os.Exit(1)
	}

	// ── Adapters ─────────────────────────────────────────────────────────
	embedder, err := bootstrap.OpenEmbedder(ctx, cfg.Embedder)
	if err != nil {
		slog.Error("failed to load embedding model", "error", err)
		os.Exit(1)
	}
	generator, err := bootstrap.NewGenerator(cfg.Generator)
	if err != nil {
		slog.Error("failed to configure generator", "error", err)
		os.Exit(1)
	}

	// ── Services ─────────────────────────────────────────────────────────
	library, ragService := bootstrap.NewRAG(cfg, embedder, generator, history)
	if err := library.Load(); err != nil {
		if !cfg.Retrieval.AllowEmptyIndex || !errors.Is(err, os.ErrNotExist) {
			slog.Error("failed to load corpus", "error", err)
			os.Exit(1)
		}
		slog.Warn("serving without a corpus; POST /admin/reindex once the chunk file exists", "error", err)
	}

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Generator.TimeoutSecs+30) * time.Second,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	// Audit middleware (logs all requests)
	app.Use(middleware.AuditMiddleware(history))

	// ── Routes ───────────────────────────────────────────────────────────
	handler.NewHealthHandler(cfg.AppName, library, embedder, generator).Register(app)
	handler.NewChatHandler(ragService, cfg.Retrieval.K, history).Register(app)
	handler.NewHistoryHandler(history).Register(app)

	admin := app.Group("/admin")
	jobTracker := handler.NewJobTracker()
	handler.NewReindexHandler(library, jobTracker, history).Register(admin)
	handler.NewJobsHandler(jobTracker).Register(admin)
	handler.NewAuditHandler(history).Register(admin)

	// ── MCP Server (separate port) ───────────────────────────────────────
	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(ragService, library, cfg.Retrieval.K, cfg.MCP.Port, history)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	// ── Start ────────────────────────────────────────────────────────────
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mcpServer != nil {
			mcpServer.Shutdown(shutdownCtx)
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	slog.Info("🌐 Fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("server failed", "error", err)
	}

	embedder.Close()
	history.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("tracing shutdown failed", "error", err)
	}
}
