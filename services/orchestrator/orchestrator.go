// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the analyst service.
//
// This package contains the Service type that wires every component:
// HTTP routing, the LLM provider, the data warehouse, the semantic cache and
// its vector store, the conversation store, the expiry sweeper, the
// classification policy engine and observability.
//
// # Extension Points
//
// New accepts extensions.ServiceOptions so a deployment can supply its own:
//   - AuthProvider: Token validation (JWT, SSO). Default: API keys from
//     ANALYST_API_KEYS, or allow-all when unset.
//   - AuditLogger: Compliance audit logging. Default: in-memory ring buffer
//     mirrored to slog.
//
// # Usage
//
//	cfg := orchestrator.LoadConfigFromEnv()
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/pkg/validation"
	"github.com/AleutianAI/AleutianAnalyst/services/llm"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/semcache"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/services"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/session"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/sqlguard"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/subset"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianAnalyst/services/policy_engine"
	"github.com/AleutianAI/AleutianAnalyst/services/vectorstore"
	"github.com/AleutianAI/AleutianAnalyst/services/warehouse"
)

const serviceName = "aleutian-analyst"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until Shutdown is called or the
	// server fails. It returns nil after a clean shutdown.
	Run() error

	// Shutdown stops accepting requests, waits for in-flight requests until
	// ctx expires, then releases every backing resource.
	Shutdown(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New() returns.
type service struct {
	config    Config
	opts      extensions.ServiceOptions
	router    *gin.Engine
	server    *http.Server
	analyst   *services.AnalyticsService
	metrics   *observability.Metrics
	policy    *sqlguard.SecurityPolicy
	warehouse warehouse.Warehouse
	store     vectorstore.Store
	mirror    *session.RedisMirror

	weaviateClient *weaviate.Client
	ttlScheduler   ttl.TTLScheduler
	tracerCleanup  func(context.Context)

	cleanupOnce sync.Once
}

var (
	metricsOnce sync.Once
	metrics     *observability.Metrics
)

// processMetrics registers the collectors with the default registry once per
// process so /metrics serves them.
func processMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		metrics = observability.InitMetrics()
	})
	return metrics
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Loads the SQL security policy and the classification engine
//  4. Connects the warehouse and builds the SQL validator on its dry run
//  5. Creates the LLM provider wrapped with retries and rate limiting
//  6. Opens the vector store and builds the semantic cache
//  7. Creates the conversation store, mirrored to Redis when configured
//  8. Starts the cache expiry sweeper
//  9. Sets up HTTP routes with extension options
//
// Any failure releases what was already opened.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	svc, err := New(Config{WarehouseBackend: "mysql", MySQLDSN: dsn}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config:  applyConfigDefaults(cfg),
		metrics: processMetrics(),
	}

	var err error
	s.opts, err = buildOptions(s.config, opts)
	if err != nil {
		return nil, err
	}

	if !s.config.TracingDisabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if err := s.initComponents(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// initComponents builds everything behind the HTTP layer.
func (s *service) initComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	s.policy, err = loadSecurityPolicy(s.config.SecurityPolicyPath)
	if err != nil {
		return err
	}

	policyEngine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	router, err := intent.NewRouter()
	if err != nil {
		return fmt.Errorf("failed to load intent rules: %w", err)
	}

	s.warehouse, err = s.initWarehouse(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize warehouse: %w", err)
	}

	validator, err := sqlguard.New(s.policy, sqlguard.WithDryRunner(s.warehouse), sqlguard.WithParseCheck(true))
	if err != nil {
		return fmt.Errorf("failed to initialize SQL validator: %w", err)
	}

	gen, emb, err := s.initLLM()
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	roles := llm.NewRoles(gen)

	s.store, err = s.initVectorStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}

	namespace, err := validation.SanitizeNamespace(s.config.CacheNamespace)
	if err != nil {
		return fmt.Errorf("invalid cache namespace: %w", err)
	}
	cache, err := semcache.NewMatcher(s.store, emb, roles, semcache.Config{
		Namespace:  namespace,
		Threshold:  s.config.CacheSimilarityThreshold,
		DefaultTTL: s.config.CacheEntryTTL,
	}, semcache.WithMetrics(s.metrics))
	if err != nil {
		return fmt.Errorf("failed to initialize semantic cache: %w", err)
	}

	sessions, err := s.initSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}

	s.analyst, err = services.NewAnalyticsService(services.Dependencies{
		Sessions:    sessions,
		Router:      router,
		Subset:      subset.NewAdapter(),
		Cache:       cache,
		Validator:   validator,
		Generator:   roles,
		Synthesizer: roles,
		Warehouse:   s.warehouse,
		Policy:      policyEngine,
		Metrics:     s.metrics,
		Extensions:  s.opts,
	}, services.AnalyticsConfig{
		RequestTimeout: s.config.RequestTimeout,
		MaxResultRows:  s.config.MaxResultRows,
		Schema:         services.DescribeSchema(s.policy),
		Dialect:        sqlDialect(s.config.WarehouseBackend),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize analytics service: %w", err)
	}

	return s.initTTLScheduler()
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Outputs
//
//   - error: Non-nil if server fails to start or encounters fatal error
func (s *service) Run() error {
	slog.Info("Starting analyst server", "port", s.config.Port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.cleanup()
	return err
}

// Shutdown drains in-flight requests and releases resources.
func (s *service) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down analyst server")
	err := s.server.Shutdown(ctx)
	s.cleanup()
	return err
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// buildOptions fills extension points left nil by the caller. API keys from
// the configuration replace the allow-all provider.
func buildOptions(cfg Config, opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	var out extensions.ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil && cfg.APIKeys != "" {
		keys, err := extensions.ParseAPIKeys(cfg.APIKeys)
		if err != nil {
			return out, fmt.Errorf("invalid ANALYST_API_KEYS: %w", err)
		}
		if len(keys) > 0 {
			out.AuthProvider = extensions.NewStaticTokenAuthProvider(keys)
			slog.Info("API key authentication enabled", "keys", len(keys))
		}
	}
	if out.AuditLogger == nil {
		out.AuditLogger = extensions.NewMemoryAuditLogger(cfg.AuditCapacity)
	}
	return out.Normalize(), nil
}

func loadSecurityPolicy(path string) (*sqlguard.SecurityPolicy, error) {
	if path == "" {
		p, err := sqlguard.DefaultPolicy()
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded security policy: %w", err)
		}
		return p, nil
	}
	p, err := sqlguard.LoadPolicy(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load security policy from %s: %w", path, err)
	}
	slog.Info("Loaded security policy override", "path", path, "version", p.Version)
	return p, nil
}

func sqlDialect(backend string) string {
	if backend == WarehouseMySQL {
		return "MySQL-compatible SQL"
	}
	return "BigQuery Standard SQL"
}

func (s *service) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   s.config.ProviderMaxRetries,
		InitialDelay: s.config.ProviderRetryDelay,
	}
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
// The gRPC connection is lazy, so an unreachable collector only drops spans.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}

	return cleanup, nil
}

// initWarehouse connects the configured query engine.
func (s *service) initWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	switch s.config.WarehouseBackend {
	case WarehouseBigQuery:
		wh, err := warehouse.NewBigQuery(ctx, warehouse.BigQueryConfig{
			ProjectID:      s.config.BigQueryProjectID,
			DatasetID:      s.config.BigQueryDataset,
			Location:       s.config.BigQueryLocation,
			MaxBytesBilled: s.policy.MaxBytesProcessed,
			Retry:          s.retryPolicy(),
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BigQuery warehouse", "project", s.config.BigQueryProjectID, "dataset", s.config.BigQueryDataset)
		return wh, nil
	case WarehouseMySQL:
		wh, err := warehouse.NewMySQL(ctx, warehouse.MySQLConfig{
			DSN:   s.config.MySQLDSN,
			Retry: s.retryPolicy(),
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using MySQL-protocol warehouse")
		return wh, nil
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", s.config.WarehouseBackend)
	}
}

// initLLM creates the provider client and wraps it with retries and the
// configured rate limit. The returned generator and embedder share the
// limiter.
func (s *service) initLLM() (llm.LLMClient, llm.Embedder, error) {
	var (
		gen llm.LLMClient
		emb llm.Embedder
	)

	switch s.config.LLMBackend {
	case LLMBackendOpenAI:
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         s.config.OpenAIAPIKey,
			Model:          s.config.OpenAIModel,
			EmbeddingModel: s.config.OpenAIEmbeddingModel,
			BaseURL:        s.config.OpenAIBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		gen, emb = c, c
		slog.Info("Using OpenAI LLM backend")
	case LLMBackendOllama:
		c, err := llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:        s.config.OllamaBaseURL,
			Model:          s.config.OllamaModel,
			EmbeddingModel: s.config.OllamaEmbeddingModel,
		})
		if err != nil {
			return nil, nil, err
		}
		gen, emb = c, c
		slog.Info("Using Ollama LLM backend")
	default:
		return nil, nil, fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}

	backend := s.config.LLMBackend
	r := llm.NewResilient(gen, emb, llm.ResilientConfig{
		MaxRetries:    s.config.ProviderMaxRetries,
		InitialDelay:  s.config.ProviderRetryDelay,
		RatePerSecond: s.config.ProviderRateLimit,
		Burst:         int(s.config.ProviderRateLimit) + 1,
		OnError: func(op string, err error) {
			slog.Warn("LLM call failed after retries", "backend", backend, "op", op, "error", err)
		},
	})
	return r, r, nil
}

// initVectorStore opens the configured semantic cache store.
func (s *service) initVectorStore(ctx context.Context) (vectorstore.Store, error) {
	switch s.config.VectorStore {
	case VectorStoreMemory:
		slog.Info("Using in-memory vector store; cache entries do not survive restarts")
		return vectorstore.NewMemoryStore(), nil
	case VectorStoreBadger:
		cfg := vectorstore.DefaultBadgerConfig(s.config.BadgerPath)
		cfg.Logger = slog.Default().With("component", "badger")
		store, err := vectorstore.OpenBadger(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Badger vector store", "path", s.config.BadgerPath)
		return store, nil
	case VectorStoreWeaviate:
		if err := s.initWeaviate(ctx); err != nil {
			return nil, err
		}
		store, err := vectorstore.NewWeaviateStore(s.weaviateClient, s.retryPolicy())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", s.config.VectorStore)
	}
}

// initWeaviate creates the Weaviate client and ensures the cache class
// exists.
//
// # Outputs
//
//   - error: Non-nil if the URL is invalid or the schema cannot be created
func (s *service) initWeaviate(ctx context.Context) error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		return errors.New("WEAVIATE_SERVICE_URL is required for the weaviate vector store")
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	s.weaviateClient, err = weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	if err := datatypes.EnsureWeaviateSchema(ctx, s.weaviateClient); err != nil {
		return err
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

// initSessions creates the conversation store, mirrored to Redis when an
// address is configured.
func (s *service) initSessions(ctx context.Context) (*session.Store, error) {
	if s.config.SessionRedisAddr == "" {
		return session.NewStore(), nil
	}
	mirror, err := session.NewRedisMirror(ctx, session.RedisMirrorConfig{
		Addr:     s.config.SessionRedisAddr,
		Password: s.config.SessionRedisPassword,
		DB:       s.config.SessionRedisDB,
		TTL:      s.config.SessionTTL,
	})
	if err != nil {
		return nil, err
	}
	s.mirror = mirror
	slog.Info("Conversation sessions mirrored to Redis", "addr", s.config.SessionRedisAddr)
	return session.NewStore(session.WithMirror(mirror)), nil
}

// initTTLScheduler starts the background sweep of expired cache entries.
func (s *service) initTTLScheduler() error {
	schedulerConfig := ttl.DefaultSchedulerConfig()
	schedulerConfig.Interval = s.config.CacheSweepInterval

	s.ttlScheduler = ttl.NewTTLScheduler(s.store, schedulerConfig, ttl.WithMetrics(s.metrics))
	if err := s.ttlScheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start TTL scheduler: %w", err)
	}

	slog.Info("Cache expiry sweeper started", "interval", s.config.CacheSweepInterval.String())
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, s.analyst, s.opts)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// cleanup releases all resources held by the service. Safe to call more
// than once.
func (s *service) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.ttlScheduler != nil {
			if err := s.ttlScheduler.Stop(); err != nil {
				slog.Warn("TTL scheduler stop error", "error", err)
			}
		}
		if s.opts.AuditLogger != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.opts.AuditLogger.Flush(ctx); err != nil {
				slog.Warn("Audit log flush error", "error", err)
			}
			cancel()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				slog.Warn("Vector store close error", "error", err)
			}
		}
		if s.mirror != nil {
			if err := s.mirror.Close(); err != nil {
				slog.Warn("Redis mirror close error", "error", err)
			}
		}
		if s.warehouse != nil {
			if err := s.warehouse.Close(); err != nil {
				slog.Warn("Warehouse close error", "error", err)
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
