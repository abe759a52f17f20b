// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the AleutianAnalyst HTTP server.
//
// This is the main entry point for the containerized analyst service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: openai or ollama (default: ollama)
//   - WAREHOUSE_BACKEND: bigquery or mysql (default: bigquery)
//   - VECTOR_STORE: weaviate, badger or memory (default: memory)
//   - ANALYST_API_KEYS: "user:key" pairs; enables API key auth when set
//   - ANALYST_LOG_LEVEL: debug, info, warn, error (default: info)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// See orchestrator.LoadConfigFromEnv for the full list.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	WAREHOUSE_BACKEND=mysql MYSQL_DSN='root@tcp(localhost:9030)/ecommerce' \
//	OLLAMA_BASE_URL=http://localhost:11434 ./orchestrator
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/pkg/logging"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := orchestrator.LoadConfigFromEnv()

	level, err := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "aleutian-analyst",
		JSON:    cfg.LogJSON,
		LogDir:  cfg.LogDir,
	})
	logger.Install()
	defer logger.Close()
	if err != nil {
		slog.Warn("Unknown log level, using info", "value", cfg.LogLevel)
	}

	slog.Info("Starting analyst",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"warehouse", cfg.WarehouseBackend,
		"vector_store", cfg.VectorStore,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Orchestrator error", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
		return 1
	}
	<-errCh
	slog.Info("Analyst stopped")
	return 0
}
