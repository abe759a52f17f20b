// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by Config.
const (
	LLMBackendOpenAI = "openai"
	LLMBackendOllama = "ollama"

	VectorStoreWeaviate = "weaviate"
	VectorStoreBadger   = "badger"
	VectorStoreMemory   = "memory"

	WarehouseBigQuery = "bigquery"
	WarehouseMySQL    = "mysql"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the analyst service. Values are
// normally populated by LoadConfigFromEnv; tests build it directly. Zero
// values are replaced by applyConfigDefaults.
//
// # Examples
//
//	// Minimal config (uses all defaults, needs a warehouse)
//	cfg := Config{BigQueryProjectID: "my-project", BigQueryDataset: "ecommerce"}
//
//	// Local development against Doris and Ollama
//	cfg := Config{
//	    WarehouseBackend: "mysql",
//	    MySQLDSN:         "root@tcp(localhost:9030)/ecommerce",
//	    LLMBackend:       "ollama",
//	    OllamaBaseURL:    "http://localhost:11434",
//	    VectorStore:      "badger",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty leaves gin's own GIN_MODE handling in place.
	GinMode string

	// LogLevel, LogJSON and LogDir configure pkg/logging in the entrypoint.
	LogLevel string
	LogJSON  bool
	LogDir   string

	// APIKeys is the raw ANALYST_API_KEYS value, "user:key" pairs separated
	// by commas. Empty leaves the API unauthenticated.
	APIKeys string

	// AuditCapacity is how many audit events the in-memory audit log keeps.
	AuditCapacity int

	// LLMBackend selects the model provider: "openai" or "ollama".
	// Default: "ollama"
	LLMBackend string

	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAIEmbeddingModel string
	OpenAIBaseURL        string

	OllamaBaseURL        string
	OllamaModel          string
	OllamaEmbeddingModel string

	// VectorStore selects the semantic cache store: "weaviate", "badger"
	// or "memory". Default: "memory"
	VectorStore string

	// WeaviateURL is required when VectorStore is "weaviate".
	// Example: "http://localhost:8080"
	WeaviateURL string

	// BadgerPath is the Badger directory. Default: "./data/semcache"
	BadgerPath string

	// WarehouseBackend selects the query engine: "bigquery" or "mysql".
	// Default: "bigquery"
	WarehouseBackend string

	BigQueryProjectID string
	BigQueryDataset   string
	BigQueryLocation  string

	// MySQLDSN is a go-sql-driver DSN, e.g. "user:pass@tcp(doris:9030)/ecommerce".
	MySQLDSN string

	// SessionRedisAddr enables the Redis session mirror when set.
	SessionRedisAddr     string
	SessionRedisPassword string
	SessionRedisDB       int
	// SessionTTL bounds how long an idle mirrored session survives.
	// Default: 24h
	SessionTTL time.Duration

	// CacheSimilarityThreshold is the minimum cosine similarity for a
	// semantic cache hit. Default: 0.85
	CacheSimilarityThreshold float64
	// CacheNamespace partitions cache entries. Default: "ecommerce"
	CacheNamespace string
	// CacheEntryTTL is the lifetime of new cache entries. Zero keeps
	// entries until they are deleted.
	CacheEntryTTL time.Duration
	// CacheSweepInterval is how often expired entries are removed.
	// Default: 1 hour
	CacheSweepInterval time.Duration

	// RequestTimeout bounds one analytics request. Default: 60s
	RequestTimeout time.Duration
	// MaxResultRows caps rows returned when a request does not set a limit.
	// Default: 1000
	MaxResultRows int

	// ProviderMaxRetries is the retry budget for LLM, warehouse and vector
	// store calls. Default: 3
	ProviderMaxRetries int
	// ProviderRateLimit limits LLM calls per second. Zero means unlimited.
	ProviderRateLimit float64
	// ProviderRetryDelay is the first backoff delay. Default: 500ms
	ProviderRetryDelay time.Duration

	// SecurityPolicyPath overrides the embedded SQL security policy.
	SecurityPolicyPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string
	// TracingDisabled skips tracer setup entirely (OTEL_SDK_DISABLED=true).
	TracingDisabled bool
}

// LoadConfigFromEnv builds a Config from environment variables.
//
// # Description
//
// Every field has a matching variable; unset or unparseable values fall
// back to the defaults applied by applyConfigDefaults.
//
// # Outputs
//
//   - Config: Configuration with defaults applied
//
// # Examples
//
//	cfg := orchestrator.LoadConfigFromEnv()
//	svc, err := orchestrator.New(cfg, nil)
func LoadConfigFromEnv() Config {
	cfg := Config{
		Port:          getEnvInt("ORCHESTRATOR_PORT", 12210),
		GinMode:       getEnvString("GIN_MODE", ""),
		LogLevel:      getEnvString("ANALYST_LOG_LEVEL", "info"),
		LogJSON:       getEnvBool("ANALYST_LOG_JSON", true),
		LogDir:        getEnvString("ANALYST_LOG_DIR", ""),
		APIKeys:       getEnvString("ANALYST_API_KEYS", ""),
		AuditCapacity: getEnvInt("ANALYST_AUDIT_CAPACITY", 0),

		LLMBackend:           strings.ToLower(getEnvString("LLM_BACKEND_TYPE", LLMBackendOllama)),
		OpenAIAPIKey:         getEnvString("OPENAI_API_KEY", ""),
		OpenAIModel:          getEnvString("OPENAI_MODEL", ""),
		OpenAIEmbeddingModel: getEnvString("OPENAI_EMBEDDING_MODEL", ""),
		OpenAIBaseURL:        getEnvString("OPENAI_BASE_URL", ""),
		OllamaBaseURL:        getEnvString("OLLAMA_BASE_URL", ""),
		OllamaModel:          getEnvString("OLLAMA_MODEL", ""),
		OllamaEmbeddingModel: getEnvString("OLLAMA_EMBEDDING_MODEL", ""),

		VectorStore: strings.ToLower(getEnvString("VECTOR_STORE", VectorStoreMemory)),
		WeaviateURL: getEnvString("WEAVIATE_SERVICE_URL", ""),
		BadgerPath:  getEnvString("BADGER_PATH", ""),

		WarehouseBackend:  strings.ToLower(getEnvString("WAREHOUSE_BACKEND", WarehouseBigQuery)),
		BigQueryProjectID: getEnvString("BIGQUERY_PROJECT_ID", ""),
		BigQueryDataset:   getEnvString("BIGQUERY_DATASET", ""),
		BigQueryLocation:  getEnvString("BIGQUERY_LOCATION", ""),
		MySQLDSN:          getEnvString("MYSQL_DSN", ""),

		SessionRedisAddr:     getEnvString("SESSION_REDIS_ADDR", ""),
		SessionRedisPassword: getEnvString("SESSION_REDIS_PASSWORD", ""),
		SessionRedisDB:       getEnvInt("SESSION_REDIS_DB", 0),
		SessionTTL:           getEnvDuration("SESSION_TTL", 0),

		CacheSimilarityThreshold: getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0),
		CacheNamespace:           getEnvString("CACHE_NAMESPACE", ""),
		CacheEntryTTL:            getEnvDuration("CACHE_ENTRY_TTL", 0),
		CacheSweepInterval:       getEnvDuration("CACHE_SWEEP_INTERVAL", 0),

		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 0),
		MaxResultRows:  getEnvInt("MAX_RESULT_ROWS", 0),

		ProviderMaxRetries: getEnvInt("PROVIDER_MAX_RETRIES", 0),
		ProviderRateLimit:  getEnvFloat("PROVIDER_RATE_LIMIT", 0),
		ProviderRetryDelay: getEnvDuration("PROVIDER_RETRY_DELAY", 0),

		SecurityPolicyPath: getEnvString("SECURITY_POLICY_PATH", ""),
		OTelEndpoint:       getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingDisabled:    getEnvBool("OTEL_SDK_DISABLED", false),
	}
	return applyConfigDefaults(cfg)
}

// applyConfigDefaults fills in missing configuration values.
//
// # Inputs
//
//   - cfg: User-provided configuration
//
// # Outputs
//
//   - Config: Configuration with defaults applied
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = LLMBackendOllama
	}
	if cfg.VectorStore == "" {
		cfg.VectorStore = VectorStoreMemory
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/semcache"
	}
	if cfg.WarehouseBackend == "" {
		cfg.WarehouseBackend = WarehouseBigQuery
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.CacheSimilarityThreshold <= 0 || cfg.CacheSimilarityThreshold > 1 {
		cfg.CacheSimilarityThreshold = 0.85
	}
	if cfg.CacheNamespace == "" {
		cfg.CacheNamespace = "ecommerce"
	}
	if cfg.CacheSweepInterval <= 0 {
		cfg.CacheSweepInterval = 1 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = 1000
	}
	if cfg.ProviderMaxRetries <= 0 {
		cfg.ProviderMaxRetries = 3
	}
	if cfg.ProviderRetryDelay <= 0 {
		cfg.ProviderRetryDelay = 500 * time.Millisecond
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	return cfg
}

// =============================================================================
// Environment Helpers
// =============================================================================

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
		slog.Warn("Ignoring invalid number setting", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
		slog.Warn("Ignoring invalid boolean setting", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvDuration parses Go durations ("90s", "24h"). A bare integer is read
// as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("Ignoring invalid duration setting", "key", key, "value", value)
	return defaultValue
}
