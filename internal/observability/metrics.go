// Package observability — metrics.go
//
// Prometheus metrics for bpfmand.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: bpfmand_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Program kind is used as a label (5 values max).
//   - Program ID is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for bpfmand.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Registry ─────────────────────────────────────────────────────────────

	// ProgramsLoadedTotal counts programs successfully added to the registry.
	// Labels: kind (xdp, tc, tracepoint, kprobe, uprobe)
	ProgramsLoadedTotal *prometheus.CounterVec

	// ProgramsUnloadedTotal counts programs removed from the registry.
	// Labels: kind
	ProgramsUnloadedTotal *prometheus.CounterVec

	// ProgramLoadFailuresTotal counts failed load/attach attempts.
	// Labels: kind, code
	ProgramLoadFailuresTotal *prometheus.CounterVec

	// ProgramsActive is the current number of programs held by the registry.
	// Labels: kind
	ProgramsActive *prometheus.GaugeVec

	// ─── Dispatcher ───────────────────────────────────────────────────────────

	// DispatcherRevisionsBuiltTotal counts dispatcher revisions successfully
	// attached.
	// Labels: kind
	DispatcherRevisionsBuiltTotal *prometheus.CounterVec

	// DispatcherReconcileLatency records Reconcile call duration.
	DispatcherReconcileLatency prometheus.Histogram

	// DispatcherExtensionSlotsInUse is the current number of extension slots
	// occupied across all live dispatcher revisions.
	DispatcherExtensionSlotsInUse prometheus.Gauge

	// ─── Map groups ───────────────────────────────────────────────────────────

	// MapGroupsActive is the current number of shared map groups.
	MapGroupsActive prometheus.Gauge

	// MapGroupConsumersTotal is the current total consumer count across all
	// map groups.
	MapGroupConsumersTotal prometheus.Gauge

	// ─── Command loop ─────────────────────────────────────────────────────────

	// CommandQueueDepth is the current depth of the command channel.
	CommandQueueDepth prometheus.Gauge

	// CommandLatency records command execution latency from dequeue to reply.
	// Labels: kind
	CommandLatency *prometheus.HistogramVec

	// ─── Persistence ──────────────────────────────────────────────────────────

	// StoreWriteLatency records flat-file atomic write latency.
	StoreWriteLatency prometheus.Histogram

	// AuditWriteLatency records bbolt audit-ledger write latency.
	AuditWriteLatency prometheus.Histogram

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all bpfmand Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProgramsLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfmand",
			Subsystem: "registry",
			Name:      "programs_loaded_total",
			Help:      "Total programs successfully added to the registry, by kind.",
		}, []string{"kind"}),

		ProgramsUnloadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfmand",
			Subsystem: "registry",
			Name:      "programs_unloaded_total",
			Help:      "Total programs removed from the registry, by kind.",
		}, []string{"kind"}),

		ProgramLoadFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfmand",
			Subsystem: "registry",
			Name:      "program_load_failures_total",
			Help:      "Total failed load/attach attempts, by kind and error code.",
		}, []string{"kind", "code"}),

		ProgramsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "registry",
			Name:      "programs_active",
			Help:      "Current number of programs held by the registry, by kind.",
		}, []string{"kind"}),

		DispatcherRevisionsBuiltTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfmand",
			Subsystem: "dispatcher",
			Name:      "revisions_built_total",
			Help:      "Total dispatcher revisions successfully attached, by kind.",
		}, []string{"kind"}),

		DispatcherReconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfmand",
			Subsystem: "dispatcher",
			Name:      "reconcile_latency_seconds",
			Help:      "Dispatcher Reconcile call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		DispatcherExtensionSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "dispatcher",
			Name:      "extension_slots_in_use",
			Help:      "Current number of extension slots occupied across all live dispatcher revisions.",
		}),

		MapGroupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "mapgroup",
			Name:      "groups_active",
			Help:      "Current number of shared map groups.",
		}),

		MapGroupConsumersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "mapgroup",
			Name:      "consumers_total",
			Help:      "Current total consumer count across all map groups.",
		}),

		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "command",
			Name:      "queue_depth",
			Help:      "Current depth of the command channel.",
		}),

		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bpfmand",
			Subsystem: "command",
			Name:      "latency_seconds",
			Help:      "Command execution latency from dequeue to reply, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		StoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfmand",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "Flat-file atomic write latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfmand",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "bbolt audit ledger write latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfmand",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.ProgramsLoadedTotal,
		m.ProgramsUnloadedTotal,
		m.ProgramLoadFailuresTotal,
		m.ProgramsActive,
		m.DispatcherRevisionsBuiltTotal,
		m.DispatcherReconcileLatency,
		m.DispatcherExtensionSlotsInUse,
		m.MapGroupsActive,
		m.MapGroupConsumersTotal,
		m.CommandQueueDepth,
		m.CommandLatency,
		m.StoreWriteLatency,
		m.AuditWriteLatency,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics
// and GET /healthz.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
