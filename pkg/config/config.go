package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DBConfig selects the chat history / audit store.
type DBConfig struct {
	Driver   string `yaml:"driver"` // postgres, sqlite, memory
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"` // sqlite file
}

// EmbedderConfig configures the embedding model.
type EmbedderConfig struct {
	Provider  string `yaml:"provider"` // ollama, openai, hashing
	ModelName string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	Dimension int    `yaml:"dimension"` // 0 = take whatever the model produces
	BatchSize int    `yaml:"batch_size"`
	Serialize bool   `yaml:"serialize"` // funnel calls through one worker
}

// GeneratorConfig configures the answer generation backend.
type GeneratorConfig struct {
	Provider    string `yaml:"provider"` // ollama, openai
	ModelName   string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// CorpusConfig locates the chunk and index files.
type CorpusConfig struct {
	ChunkSize  int    `yaml:"chunk_size"`
	ChunksPath string `yaml:"chunks_path"`
	IndexPath  string `yaml:"index_path"`
}

// RetrievalConfig holds query-time policies.
type RetrievalConfig struct {
	K                  int    `yaml:"k"`
	EmptyContextPolicy string `yaml:"empty_context_policy"` // best_effort, fail
	AllowEmptyIndex    bool   `yaml:"allow_empty_index"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// MCPConfig configures the MCP JSON-RPC server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Config holds all application configuration. Values come from defaults, an
// optional YAML file named by WIKIRAG_CONFIG, then environment variables.
type Config struct {
	// Server
	Port      string `yaml:"port"`
	AppName   string `yaml:"app_name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json

	DB        DBConfig        `yaml:"db"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Generator GeneratorConfig `yaml:"generator"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Tracing   TracingConfig   `yaml:"tracing"`
	MCP       MCPConfig       `yaml:"mcp"`

	// Frontend
	FrontendURL string `yaml:"frontend_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      "5000",
		AppName:   "WikiRAG",
		LogLevel:  "info",
		LogFormat: "text",

		DB: DBConfig{
			Driver:   "sqlite",
			Host:     "localhost",
			Port:     5432,
			User:     "wikirag",
			Database: "chat_history",
			SSLMode:  "disable",
			Path:     "data/history.db",
		},

		Embedder: EmbedderConfig{
			Provider:  "ollama",
			ModelName: "all-minilm",
			BaseURL:   "http://localhost:11434",
			BatchSize: 32,
		},

		Generator: GeneratorConfig{
			Provider:    "ollama",
			ModelName:   "llama3.2:latest",
			BaseURL:     "http://localhost:11434",
			TimeoutSecs: 120,
		},

		Corpus: CorpusConfig{
			ChunkSize:  200,
			ChunksPath: "data/processed/chunks.txt",
			IndexPath:  "data/processed/index.bin",
		},

		Retrieval: RetrievalConfig{
			K:                  4,
			EmptyContextPolicy: "best_effort",
			AllowEmptyIndex:    true,
		},

		Tracing: TracingConfig{SampleRate: 1.0},

		MCP: MCPConfig{Enabled: true, Port: "5001"},

		FrontendURL: "http://localhost:3000",
	}
}

// Load builds the configuration and validates it. Environment values that do
// not parse are reported together with validation failures.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("WIKIRAG_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	envErr := cfg.applyEnv()
	if err := errors.Join(envErr, cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Port = envOrDefault("PORT", c.Port)
	c.AppName = envOrDefault("APP_NAME", c.AppName)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)

	c.DB.Driver = envOrDefault("DB_DRIVER", c.DB.Driver)
	c.DB.Host = envOrDefault("DB_HOST", c.DB.Host)
	c.DB.Port = envOrDefaultInt("DB_PORT", c.DB.Port, &errs)
	c.DB.User = envOrDefault("DB_USER", c.DB.User)
	c.DB.Password = envOrDefault("DB_PASSWORD", c.DB.Password)
	c.DB.Database = envOrDefault("DB_NAME", c.DB.Database)
	c.DB.SSLMode = envOrDefault("DB_SSLMODE", c.DB.SSLMode)
	c.DB.Path = envOrDefault("DB_PATH", c.DB.Path)

	c.Embedder.Provider = envOrDefault("EMBED_PROVIDER", c.Embedder.Provider)
	c.Embedder.ModelName = envOrDefault("EMBED_MODEL", c.Embedder.ModelName)
	c.Embedder.BaseURL = envOrDefault("EMBED_URL", envOrDefault("OLLAMA_BASE_URL", c.Embedder.BaseURL))
	c.Embedder.Token = envOrDefault("EMBED_TOKEN", c.Embedder.Token)
	c.Embedder.Dimension = envOrDefaultInt("EMBEDDING_DIMENSION", c.Embedder.Dimension, &errs)
	c.Embedder.BatchSize = envOrDefaultInt("EMBED_BATCH_SIZE", c.Embedder.BatchSize, &errs)
	c.Embedder.Serialize = envOrDefaultBool("EMBED_SERIALIZE", c.Embedder.Serialize, &errs)

	c.Generator.Provider = envOrDefault("GEN_PROVIDER", c.Generator.Provider)
	c.Generator.ModelName = envOrDefault("GEN_MODEL", c.Generator.ModelName)
	c.Generator.BaseURL = envOrDefault("GEN_URL", envOrDefault("OLLAMA_BASE_URL", c.Generator.BaseURL))
	c.Generator.Token = envOrDefault("GEN_TOKEN", c.Generator.Token)
	c.Generator.TimeoutSecs = envOrDefaultInt("GEN_TIMEOUT_SECS", c.Generator.TimeoutSecs, &errs)

	c.Corpus.ChunkSize = envOrDefaultInt("CHUNK_SIZE", c.Corpus.ChunkSize, &errs)
	c.Corpus.ChunksPath = envOrDefault("CHUNKS_PATH", c.Corpus.ChunksPath)
	c.Corpus.IndexPath = envOrDefault("INDEX_PATH", c.Corpus.IndexPath)

	c.Retrieval.K = envOrDefaultInt("RETRIEVAL_K", c.Retrieval.K, &errs)
	c.Retrieval.EmptyContextPolicy = envOrDefault("EMPTY_CONTEXT_POLICY", c.Retrieval.EmptyContextPolicy)
	c.Retrieval.AllowEmptyIndex = envOrDefaultBool("ALLOW_EMPTY_INDEX", c.Retrieval.AllowEmptyIndex, &errs)

	c.Tracing.OTLPEndpoint = envOrDefault("OTLP_ENDPOINT", c.Tracing.OTLPEndpoint)
	c.Tracing.SampleRate = envOrDefaultFloat("TRACE_SAMPLE_RATE", c.Tracing.SampleRate, &errs)

	c.MCP.Enabled = envOrDefaultBool("MCP_ENABLED", c.MCP.Enabled, &errs)
	c.MCP.Port = envOrDefault("MCP_PORT", c.MCP.Port)

	c.FrontendURL = envOrDefault("FRONTEND_URL", c.FrontendURL)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate reports every missing or invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port != "", "port is required")
	check(oneOf(c.LogFormat, "text", "json"), "log_format must be text or json, got %q", c.LogFormat)
	_, levelErr := ParseLevel(c.LogLevel)
	check(levelErr == nil, "log_level: %v", levelErr)

	switch c.DB.Driver {
	case "postgres":
		check(c.DB.Host != "", "db.host is required for postgres")
		check(c.DB.User != "", "db.user is required for postgres")
		check(c.DB.Database != "", "db.database is required for postgres")
		check(c.DB.Port > 0, "db.port must be positive")
	case "sqlite":
		check(c.DB.Path != "", "db.path is required for sqlite")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("db.driver must be postgres, sqlite or memory, got %q", c.DB.Driver))
	}

	check(oneOf(c.Embedder.Provider, "ollama", "openai", "hashing"), "embedder.provider must be ollama, openai or hashing, got %q", c.Embedder.Provider)
	check(c.Embedder.Provider == "hashing" || c.Embedder.ModelName != "", "embedder.model is required")
	check(c.Embedder.Provider != "hashing" || c.Embedder.Dimension > 0, "embedder.dimension is required for the hashing embedder")
	check(c.Embedder.Dimension >= 0, "embedder.dimension must not be negative")
	check(c.Embedder.Provider != "openai" || c.Embedder.Token != "", "embedder.token is required for openai")
	check(c.Embedder.BatchSize > 0, "embedder.batch_size must be positive")

	check(oneOf(c.Generator.Provider, "ollama", "openai"), "generator.provider must be ollama or openai, got %q", c.Generator.Provider)
	check(c.Generator.ModelName != "", "generator.model is required")
	check(c.Generator.Provider != "openai" || c.Generator.Token != "", "generator.token is required for openai")
	check(c.Generator.TimeoutSecs >= 0, "generator.timeout_secs must not be negative")

	check(c.Corpus.ChunkSize >= 1, "corpus.chunk_size must be at least 1")
	check(c.Corpus.ChunksPath != "", "corpus.chunks_path is required")
	check(c.Corpus.IndexPath != "", "corpus.index_path is required")

	check(c.Retrieval.K >= 1, "retrieval.k must be at least 1")
	check(oneOf(c.Retrieval.EmptyContextPolicy, "best_effort", "fail"), "retrieval.empty_context_policy must be best_effort or fail, got %q", c.Retrieval.EmptyContextPolicy)

	check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be within [0, 1]")
	check(!c.MCP.Enabled || c.MCP.Port != "", "mcp.port is required when mcp is enabled")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DatabaseURL returns the postgres connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Database,
		RawQuery: url.Values{"sslmode": {c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

// DSN returns a connection description for logging (password masked).
func (c *Config) DSN() string {
	switch c.DB.Driver {
	case "postgres":
		return fmt.Sprintf("postgres://%s:***@%s:%d/%s", c.DB.User, c.DB.Host, c.DB.Port, c.DB.Database)
	case "sqlite":
		return "sqlite://" + c.DB.Path
	default:
		return c.DB.Driver
	}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func envOrDefaultFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a number", key, v))
		return fallback
	}
	return f
}

func envOrDefaultBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}
