// Package metrics exposes Prometheus metrics for filesystem operations and
// tier migrations.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and the metric families. A nil
// *Collector is valid and records nothing, so callers never guard.
type Collector struct {
	registry *prometheus.Registry

	opCounter         *prometheus.CounterVec
	opErrorCounter    *prometheus.CounterVec
	migrationCounter  *prometheus.CounterVec
	migrationFailures *prometheus.CounterVec
	migratedBytes     *prometheus.CounterVec
	queueDepth        prometheus.Gauge

	server *http.Server
}

// NewCollector creates a collector with all metric families registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		opCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routefs",
			Name:      "fs_operations_total",
			Help:      "Filesystem operations by type",
		}, []string{"op"}),
		opErrorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routefs",
			Name:      "fs_operation_errors_total",
			Help:      "Filesystem operation errors by type",
		}, []string{"op"}),
		migrationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routefs",
			Name:      "migrations_total",
			Help:      "Completed tier migrations by kind",
		}, []string{"kind"}),
		migrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routefs",
			Name:      "migration_failures_total",
			Help:      "Failed tier migrations by kind",
		}, []string{"kind"}),
		migratedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routefs",
			Name:      "migrated_bytes_total",
			Help:      "Bytes moved between tiers by kind",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routefs",
			Name:      "pp_queue_depth",
			Help:      "Entries currently in the post-process queue",
		}),
	}

	registry.MustRegister(
		c.opCounter, c.opErrorCounter,
		c.migrationCounter, c.migrationFailures, c.migratedBytes,
		c.queueDepth,
	)
	return c
}

// RecordOp counts one filesystem operation.
func (c *Collector) RecordOp(op string) {
	if c == nil {
		return
	}
	c.opCounter.WithLabelValues(op).Inc()
}

// RecordOpError counts one failed filesystem operation.
func (c *Collector) RecordOpError(op string) {
	if c == nil {
		return
	}
	c.opErrorCounter.WithLabelValues(op).Inc()
}

// RecordMigration counts one completed migration of size bytes.
func (c *Collector) RecordMigration(kind string, bytes int64) {
	if c == nil {
		return
	}
	c.migrationCounter.WithLabelValues(kind).Inc()
	if bytes > 0 {
		c.migratedBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordMigrationFailure counts one failed migration.
func (c *Collector) RecordMigrationFailure(kind string) {
	if c == nil {
		return
	}
	c.migrationFailures.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the current post-process queue depth.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// Serve exposes /metrics on the given port and blocks until the server
// stops.
func (c *Collector) Serve(port int) error {
	if c == nil || port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Close shuts down the metrics endpoint.
func (c *Collector) Close() error {
	if c == nil || c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}
