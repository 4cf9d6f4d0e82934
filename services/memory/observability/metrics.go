// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability centralizes the Prometheus metrics of the memory
// service.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Labels
// =============================================================================

// Outcome labels a counted operation result.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeDegraded Outcome = "degraded"
)

// ExtractionSource labels where extraction results came from.
type ExtractionSource string

const (
	ExtractionSourceLLM      ExtractionSource = "llm"
	ExtractionSourceFallback ExtractionSource = "fallback"
	ExtractionSourceCache    ExtractionSource = "cache"
)

// =============================================================================
// Memory Metrics
// =============================================================================

// MemoryMetrics holds every metric the memory pipeline records.
//
// # Description
//
// All metrics live under the aleutian/recall namespace. Use InitMetrics()
// once at service start and the Default() accessor everywhere else; the
// Record* helpers keep label handling in one place.
type MemoryMetrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	GeneratorLatency  prometheus.Histogram
	EmbedderLatency   prometheus.Histogram
	RetrievalsTotal   *prometheus.CounterVec
	RetrievalDuration prometheus.Histogram
	ExtractionsTotal  *prometheus.CounterVec
	SummariesTotal    *prometheus.CounterVec
	WindowEvictions   prometheus.Counter
	IndexedChunks     prometheus.Counter
	IndexingFailures  prometheus.Counter
}

var (
	defaultMetrics *MemoryMetrics
	metricsOnce    sync.Once
)

// InitMetrics registers the metric set on the default registry. Safe to
// call more than once; registration happens once.
func InitMetrics() *MemoryMetrics {
	metricsOnce.Do(func() {
		defaultMetrics = newMemoryMetrics()
	})
	return defaultMetrics
}

// Default returns the process-wide metric set, initializing it on first
// use.
func Default() *MemoryMetrics {
	return InitMetrics()
}

func newMemoryMetrics() *MemoryMetrics {
	const (
		ns  = "aleutian"
		sub = "recall"
	)
	return &MemoryMetrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "turns_total",
			Help: "Chat turns handled, by outcome.",
		}, []string{"outcome"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "turn_duration_seconds",
			Help:    "End-to-end chat turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		GeneratorLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "generator_latency_seconds",
			Help:    "Latency of generator endpoint calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EmbedderLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "embedder_latency_seconds",
			Help:    "Latency of embedder endpoint calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RetrievalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "retrievals_total",
			Help: "Context retrievals, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		RetrievalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "retrieval_duration_seconds",
			Help:    "Latency of context retrieval.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ExtractionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "extractions_total",
			Help: "Key-information extractions, by source.",
		}, []string{"source"}),
		SummariesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "summaries_total",
			Help: "Window summarizations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		WindowEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "window_evictions_total",
			Help: "Conversation windows evicted by the retention scheduler.",
		}),
		IndexedChunks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "indexed_chunks_total",
			Help: "Chunks stored in the vector index.",
		}),
		IndexingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "indexing_failures_total",
			Help: "Message indexing tasks that failed.",
		}),
	}
}

// ===== Recording helpers =====

func (m *MemoryMetrics) RecordTurn(outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(outcome)).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

func (m *MemoryMetrics) RecordRetrieval(strategy string, outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalsTotal.WithLabelValues(strategy, string(outcome)).Inc()
	m.RetrievalDuration.Observe(duration.Seconds())
}

func (m *MemoryMetrics) RecordExtraction(source ExtractionSource) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(string(source)).Inc()
}

func (m *MemoryMetrics) RecordSummary(kind string, outcome Outcome) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *MemoryMetrics) RecordIndexing(chunks int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.IndexingFailures.Inc()
		return
	}
	m.IndexedChunks.Add(float64(chunks))
}
