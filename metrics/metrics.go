// Package metrics exposes pipeline counters for operators. Nothing in the
// pipeline reads them back; they are diagnostics only.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	RowsExtracted    *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	PartitionRetries *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	Placeholders     prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RowsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechcaps_rows_extracted_total",
			Help: "Rows processed by each feature extractor.",
		}, []string{"extractor"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechcaps_extract_batch_seconds",
			Help:    "Latency of one extractor batch call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"extractor"}),
		PartitionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechcaps_partition_retries_total",
			Help: "Worker partitions re-run after a failure.",
		}, []string{"extractor"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speechcaps_annotation_requests_total",
			Help: "Annotation requests by final state.",
		}, []string{"state"}),
		Placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "speechcaps_annotation_placeholders_total",
			Help: "Rows whose caption was replaced by the placeholder sentinel.",
		}),
	}
	m.Registry.MustRegister(m.RowsExtracted, m.BatchDuration, m.PartitionRetries, m.Requests, m.Placeholders)
	return m
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
