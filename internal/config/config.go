package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Vector store backends.
const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
)

// Embedding providers.
const (
	ProviderHosted = "hosted"
	ProviderLocal  = "local"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel  slog.Level
	LogFormat string

	DBPath string

	VectorBackend    string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	EmbeddingProvider      string
	EmbeddingBaseURL       string
	EmbeddingAPIKey        string
	EmbeddingModelName     string
	EmbeddingDimension     int
	EmbeddingMaxInputChars int
	EmbeddingTimeout       time.Duration
	EmbeddingRateLimit     float64 // requests per second, 0 disables limiting
	EmbeddingConcurrency   int
	EmbeddingMaxAttempts   int

	LLMBaseURL     string
	LLMAPIKey      string
	LLMModelName   string
	LLMTimeout     time.Duration
	LLMMaxTokens   int
	LLMTemperature float32

	ChunkMaxChars     int
	ChunkOverlapChars int

	DefaultLanguage string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or a parent directory, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DBPath:             getEnv("DB_PATH", "./data/knowledge.db"),
		VectorBackend:      strings.ToLower(getEnv("VECTOR_BACKEND", BackendLocal)),
		QdrantURL:          getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:       getEnv("QDRANT_API_KEY", ""),
		QdrantCollection:   getEnv("QDRANT_COLLECTION", "knowledge"),
		EmbeddingProvider:  strings.ToLower(getEnv("EMBEDDING_PROVIDER", ProviderLocal)),
		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "https://api.openai.com"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMModelName:       getEnv("LLM_MODEL", "gpt-3.5-turbo"),
		DefaultLanguage:    strings.ToLower(getEnv("DEFAULT_LANGUAGE", "en")),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT must be one of text, json")
	}

	switch cfg.VectorBackend {
	case BackendLocal, BackendQdrant:
	default:
		return nil, fmt.Errorf("VECTOR_BACKEND must be one of %s, %s", BackendLocal, BackendQdrant)
	}

	// The output size of the embedding model. Hosted models have no sensible default:
	// text-embedding-3-small produces 1536, all-MiniLM-L6-v2 produces 384.
	// Changing it requires clearing the store, which rejects mismatched vectors.
	switch cfg.EmbeddingProvider {
	case ProviderHosted:
		if cfg.EmbeddingAPIKey == "" {
			return nil, fmt.Errorf("EMBEDDING_API_KEY is required for the hosted embedding provider")
		}
		if cfg.EmbeddingDimension, err = getInt("EMBEDDING_DIMENSION", 0); err != nil {
			return nil, err
		}
		if cfg.EmbeddingDimension == 0 {
			return nil, fmt.Errorf("EMBEDDING_DIMENSION is required for the hosted embedding provider")
		}
	case ProviderLocal:
		if cfg.EmbeddingDimension, err = getInt("EMBEDDING_DIMENSION", 384); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("EMBEDDING_PROVIDER must be one of %s, %s", ProviderHosted, ProviderLocal)
	}
	if cfg.EmbeddingDimension <= 0 {
		return nil, fmt.Errorf("EMBEDDING_DIMENSION must be greater than 0")
	}

	if cfg.EmbeddingMaxInputChars, err = getInt("EMBEDDING_MAX_INPUT_CHARS", 8191); err != nil {
		return nil, err
	}
	if cfg.EmbeddingTimeout, err = getDuration("EMBEDDING_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.EmbeddingRateLimit, err = getFloat("EMBEDDING_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.EmbeddingConcurrency, err = getInt("EMBEDDING_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.EmbeddingMaxAttempts, err = getInt("EMBEDDING_MAX_ATTEMPTS", 2); err != nil {
		return nil, err
	}
	if cfg.EmbeddingConcurrency < 1 {
		return nil, fmt.Errorf("EMBEDDING_CONCURRENCY must be at least 1")
	}
	if cfg.EmbeddingMaxAttempts < 1 {
		return nil, fmt.Errorf("EMBEDDING_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.LLMTimeout, err = getDuration("LLM_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.LLMMaxTokens, err = getInt("LLM_MAX_TOKENS", 500); err != nil {
		return nil, err
	}
	temperature, err := getFloat("LLM_TEMPERATURE", 0.7)
	if err != nil {
		return nil, err
	}
	cfg.LLMTemperature = float32(temperature)

	if cfg.ChunkMaxChars, err = getInt("CHUNK_MAX_CHARS", 500); err != nil {
		return nil, err
	}
	if cfg.ChunkOverlapChars, err = getInt("CHUNK_OVERLAP_CHARS", 50); err != nil {
		return nil, err
	}
	if cfg.ChunkMaxChars <= 0 {
		return nil, fmt.Errorf("CHUNK_MAX_CHARS must be greater than 0")
	}
	if cfg.ChunkOverlapChars < 0 || cfg.ChunkOverlapChars >= cfg.ChunkMaxChars {
		return nil, fmt.Errorf("CHUNK_OVERLAP_CHARS must be between 0 and CHUNK_MAX_CHARS-1")
	}

	if cfg.DefaultLanguage != "en" && cfg.DefaultLanguage != "ar" {
		return nil, fmt.Errorf("DEFAULT_LANGUAGE must be one of en, ar")
	}

	// Create the data directory if it doesn't exist
	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return v, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %w", err)
	}
	return level, nil
}
