package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"LOG_LEVEL", "LOG_FORMAT", "DB_PATH",
	"VECTOR_BACKEND", "QDRANT_URL", "QDRANT_API_KEY", "QDRANT_COLLECTION",
	"EMBEDDING_PROVIDER", "EMBEDDING_BASE_URL", "EMBEDDING_API_KEY", "EMBEDDING_MODEL",
	"EMBEDDING_DIMENSION", "EMBEDDING_MAX_INPUT_CHARS", "EMBEDDING_TIMEOUT",
	"EMBEDDING_RATE_LIMIT", "EMBEDDING_CONCURRENCY", "EMBEDDING_MAX_ATTEMPTS",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_TIMEOUT", "LLM_MAX_TOKENS", "LLM_TEMPERATURE",
	"CHUNK_MAX_CHARS", "CHUNK_OVERLAP_CHARS", "DEFAULT_LANGUAGE",
}

// clearEnv blanks every variable Load reads; getEnv treats empty values as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envVars {
		t.Setenv(key, "")
	}
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "data", "test.db"))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.VectorBackend != BackendLocal {
		t.Errorf("VectorBackend = %q, want %q", cfg.VectorBackend, BackendLocal)
	}
	if cfg.EmbeddingProvider != ProviderLocal {
		t.Errorf("EmbeddingProvider = %q, want %q", cfg.EmbeddingProvider, ProviderLocal)
	}
	if cfg.EmbeddingDimension != 384 {
		t.Errorf("EmbeddingDimension = %d, want 384", cfg.EmbeddingDimension)
	}
	if cfg.ChunkMaxChars != 500 || cfg.ChunkOverlapChars != 50 {
		t.Errorf("chunking = %d/%d, want 500/50", cfg.ChunkMaxChars, cfg.ChunkOverlapChars)
	}
	if cfg.EmbeddingTimeout != 30*time.Second {
		t.Errorf("EmbeddingTimeout = %v, want 30s", cfg.EmbeddingTimeout)
	}
	if cfg.LLMMaxTokens != 500 {
		t.Errorf("LLMMaxTokens = %d, want 500", cfg.LLMMaxTokens)
	}
	if cfg.DefaultLanguage != "en" {
		t.Errorf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		wantErr     bool
		checkConfig func(*Config) bool
	}{
		{
			name: "hosted provider with dimension",
			env: map[string]string{
				"EMBEDDING_PROVIDER":  "hosted",
				"EMBEDDING_API_KEY":   "sk-test",
				"EMBEDDING_DIMENSION": "1536",
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.EmbeddingProvider == ProviderHosted && cfg.EmbeddingDimension == 1536
			},
		},
		{
			name: "hosted provider without dimension",
			env: map[string]string{
				"EMBEDDING_PROVIDER": "hosted",
				"EMBEDDING_API_KEY":  "sk-test",
			},
			wantErr: true,
		},
		{
			name: "hosted provider without api key",
			env: map[string]string{
				"EMBEDDING_PROVIDER":  "hosted",
				"EMBEDDING_DIMENSION": "1536",
			},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			env:     map[string]string{"EMBEDDING_PROVIDER": "magic"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"VECTOR_BACKEND": "postgres"},
			wantErr: true,
		},
		{
			name: "qdrant backend",
			env:  map[string]string{"VECTOR_BACKEND": "QDRANT", "QDRANT_COLLECTION": "kb"},
			checkConfig: func(cfg *Config) bool {
				return cfg.VectorBackend == BackendQdrant && cfg.QdrantCollection == "kb"
			},
		},
		{
			name:    "overlap not smaller than max",
			env:     map[string]string{"CHUNK_MAX_CHARS": "100", "CHUNK_OVERLAP_CHARS": "100"},
			wantErr: true,
		},
		{
			name:    "invalid integer",
			env:     map[string]string{"CHUNK_MAX_CHARS": "many"},
			wantErr: true,
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"EMBEDDING_TIMEOUT": "soon"},
			wantErr: true,
		},
		{
			name:    "negative rate limit",
			env:     map[string]string{"EMBEDDING_RATE_LIMIT": "-1"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			env:     map[string]string{"LOG_FORMAT": "xml"},
			wantErr: true,
		},
		{
			name:    "unsupported language",
			env:     map[string]string{"DEFAULT_LANGUAGE": "fr"},
			wantErr: true,
		},
		{
			name: "debug json logging and arabic",
			env: map[string]string{
				"LOG_LEVEL":        "debug",
				"LOG_FORMAT":       "json",
				"DEFAULT_LANGUAGE": "ar",
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.LogLevel == slog.LevelDebug && cfg.LogFormat == "json" && cfg.DefaultLanguage == "ar"
			},
		},
		{
			name: "rate limit and timeouts",
			env: map[string]string{
				"EMBEDDING_RATE_LIMIT": "2.5",
				"EMBEDDING_TIMEOUT":    "5s",
				"LLM_TEMPERATURE":      "0.2",
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.EmbeddingRateLimit == 2.5 &&
					cfg.EmbeddingTimeout == 5*time.Second &&
					cfg.LLMTemperature == float32(0.2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if tt.checkConfig != nil && !tt.checkConfig(cfg) {
				t.Errorf("Load() config check failed: %+v", cfg)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("KNOWLEDGE_TEST_VAR", "value")
	if got := getEnv("KNOWLEDGE_TEST_VAR", "default"); got != "value" {
		t.Errorf("getEnv() = %q, want value", got)
	}
	t.Setenv("KNOWLEDGE_TEST_VAR", "")
	if got := getEnv("KNOWLEDGE_TEST_VAR", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want default", got)
	}
}
