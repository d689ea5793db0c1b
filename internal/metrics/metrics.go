// Package metrics holds the Prometheus collectors of the claim pipeline and
// an optional /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimledger"

var (
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_calls_total",
		Help:      "Audited model calls by kind and final status.",
	}, []string{"kind", "status"})

	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_call_duration_seconds",
		Help:      "Latency of model calls by kind.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"kind"})

	ChunkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage1_chunks_total",
		Help:      "Stage 1 chunk outcomes by status.",
	}, []string{"status"})

	ClaimsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage1_claims_persisted_total",
		Help:      "Claims written to the ledger by Stage 1.",
	})

	ClaimsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexer_claims_total",
		Help:      "Claims handled by the indexer by outcome (indexed, failed, collapsed).",
	}, []string{"outcome"})

	Stage2Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage2_decisions_total",
		Help:      "Applied Stage 2 decisions by pass and kind.",
	}, []string{"pass", "kind"})

	Stage2Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage2_failures_total",
		Help:      "Stage 2 seeds that produced no decision, by pass and reason.",
	}, []string{"pass", "reason"})
)

// ObserveLLMCall records one audited call.
func ObserveLLMCall(kind, status string, latencyMS int64) {
	LLMCalls.WithLabelValues(kind, status).Inc()
	if latencyMS > 0 {
		LLMLatency.WithLabelValues(kind).Observe(float64(latencyMS) / 1000)
	}
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint listening", "component", "metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
