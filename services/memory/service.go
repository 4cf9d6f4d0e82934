// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory assembles the recall service: stores, vector index,
// window manager, retrieval pipeline, engine and HTTP surface.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

	"github.com/AleutianAI/AleutianRecall/services/embedding"
	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/chain"
	"github.com/AleutianAI/AleutianRecall/services/memory/chunker"
	"github.com/AleutianAI/AleutianRecall/services/memory/engine"
	"github.com/AleutianAI/AleutianRecall/services/memory/extraction"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
	"github.com/AleutianAI/AleutianRecall/services/memory/prompt"
	"github.com/AleutianAI/AleutianRecall/services/memory/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/memory/routes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
	"github.com/AleutianAI/AleutianRecall/services/memory/summary"
	"github.com/AleutianAI/AleutianRecall/services/memory/vectorindex"
	"github.com/AleutianAI/AleutianRecall/services/memory/window"
)

const serviceName = "recall-service"

// =============================================================================
// Configuration
// =============================================================================

// Config selects the service's port and backends. Component-level knobs
// (chunker, retrieval, window, prompt, extraction) come from their own
// DefaultConfig readers.
type Config struct {
	Port string
	// StoreBackend is "memory" or "badger".
	StoreBackend string
	// VectorBackend is "memory", "badger" or "weaviate".
	VectorBackend string
	// BadgerPath is the data directory for the badger backends; empty
	// selects badger's in-memory mode.
	BadgerPath string
	// WeaviateScheme/WeaviateHost locate the weaviate instance.
	WeaviateScheme string
	WeaviateHost   string
}

// DefaultServiceConfig reads RECALL_PORT, STORE_BACKEND, VECTOR_BACKEND,
// BADGER_PATH, WEAVIATE_SCHEME and WEAVIATE_HOST from the environment.
func DefaultServiceConfig() Config {
	return Config{
		Port:           getEnvString("RECALL_PORT", "12310"),
		StoreBackend:   strings.ToLower(getEnvString("STORE_BACKEND", "memory")),
		VectorBackend:  strings.ToLower(getEnvString("VECTOR_BACKEND", "memory")),
		BadgerPath:     os.Getenv("BADGER_PATH"),
		WeaviateScheme: getEnvString("WEAVIATE_SCHEME", "http"),
		WeaviateHost:   getEnvString("WEAVIATE_HOST", "localhost:8080"),
	}
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled recall service.
type Service struct {
	cfg       Config
	router    *gin.Engine
	engine    *engine.Engine
	scheduler *window.EvictionScheduler
	badger    *store.BadgerStore
	cleanupFn func(context.Context)
}

// NewService wires the full pipeline per cfg.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	observability.InitMetrics()

	svc := &Service{cfg: cfg}

	cleanup, err := initTracer(ctx)
	if err != nil {
		// Tracing is best effort; the service runs without an exporter.
		slog.Warn("OTLP tracer setup failed, continuing without export", "error", err)
	} else {
		svc.cleanupFn = cleanup
	}

	msgs, chunks, err := svc.openStores()
	if err != nil {
		return nil, err
	}
	index, err := svc.openIndex(ctx, chunks)
	if err != nil {
		return nil, err
	}

	generator, err := llm.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to configure generator: %w", err)
	}
	embedder := embedding.NewHTTPClient(embedding.DefaultConfig())

	summarizer := summary.NewSummarizer(generator, 0)
	windows := window.NewManager(window.DefaultConfig(), summarizer)
	svc.scheduler = window.NewEvictionScheduler(windows)

	extractor := extraction.NewExtractor(generator, extraction.DefaultConfig())
	retriever := retrieval.NewRetriever(embedder, index, nil, windows.RecentMessageIDs)
	merger := retrieval.NewMerger(msgs)
	builder := prompt.NewBuilder(prompt.DefaultConfig())

	svc.engine = engine.New(engine.Options{
		Messages:   msgs,
		Index:      index,
		Embedder:   embedder,
		Generator:  generator,
		Windows:    windows,
		Extractor:  extractor,
		Retriever:  retriever,
		Merger:     merger,
		Builder:    builder,
		ChunkerCfg: chunker.DefaultConfig(),
		Retrieval:  retrieval.DefaultConfig(),
		Model:      activeModelName(),
	})

	validator := chain.NewValidator(msgs)
	reconstructor := chain.NewReconstructor(msgs)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, svc.engine, validator, reconstructor)
	svc.router = router

	return svc, nil
}

// Engine exposes the assembled engine, used by tests and embedding
// callers.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Run starts the eviction scheduler and serves HTTP until the listener
// fails.
func (s *Service) Run() error {
	s.scheduler.Start()
	slog.Info("starting recall service",
		"port", s.cfg.Port,
		"store_backend", s.cfg.StoreBackend,
		"vector_backend", s.cfg.VectorBackend)
	return s.router.Run(":" + s.cfg.Port)
}

// Close drains indexing tasks and releases resources.
func (s *Service) Close(ctx context.Context) {
	s.scheduler.Stop()
	s.engine.WaitForIndexing()
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			slog.Error("failed to close badger store", "error", err)
		}
	}
	if s.cleanupFn != nil {
		s.cleanupFn(ctx)
	}
}

func (s *Service) openStores() (store.MessageStore, store.ChunkStore, error) {
	switch s.cfg.StoreBackend {
	case "badger":
		b, err := store.OpenBadgerStore(s.cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		s.badger = b
		return b.Messages(), b.Chunks(), nil
	case "memory", "":
		return store.NewMemoryMessageStore(), store.NewMemoryChunkStore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", s.cfg.StoreBackend)
	}
}

func (s *Service) openIndex(ctx context.Context, chunks store.ChunkStore) (vectorindex.Index, error) {
	switch s.cfg.VectorBackend {
	case "weaviate":
		client, err := weaviate.NewClient(weaviate.Config{
			Host:   s.cfg.WeaviateHost,
			Scheme: s.cfg.WeaviateScheme,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create weaviate client: %w", err)
		}
		return vectorindex.NewWeaviateIndex(ctx, client)
	case "badger":
		if s.badger == nil {
			b, err := store.OpenBadgerStore(s.cfg.BadgerPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open badger store for vectors: %w", err)
			}
			s.badger = b
		}
		return vectorindex.NewStoreIndex(s.badger.Chunks()), nil
	case "memory", "":
		return vectorindex.NewStoreIndex(chunks), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", s.cfg.VectorBackend)
	}
}

// activeModelName resolves the generator model recorded in assistant
// message metadata.
func activeModelName() string {
	switch strings.ToLower(os.Getenv("LLM_BACKEND")) {
	case "openai":
		return getEnvString("OPENAI_MODEL", "gpt-4o-mini")
	default:
		return getEnvString("OLLAMA_MODEL", "llama3.1")
	}
}

// =============================================================================
// Tracing
// =============================================================================

func initTracer(ctx context.Context) (func(context.Context), error) {
	otelEndpoint := getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
