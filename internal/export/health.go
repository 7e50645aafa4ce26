package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "eustall"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Enabled starts the server. Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Addr is the listen address. Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// IsEnabled reports whether the server should run.
func (c HealthConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HealthMetrics exposes Prometheus metrics for the sampling agent.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Stream layer
	BytesRead      prometheus.Counter
	StreamerErrors *prometheus.CounterVec // operation (open/read/close)
	ReadDuration   prometheus.Histogram
	StreamerOpen   prometheus.Gauge
	SubDevices     prometheus.Gauge

	// Calculation layer
	ReportsDecoded      prometheus.Counter
	RowsEmitted         *prometheus.CounterVec // scope
	DroppedDataWarnings prometheus.Counter
	CalcDuration        prometheus.Histogram
	CachedReports       prometheus.Gauge

	// Sink layer
	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ExportBatchErrors       *prometheus.CounterVec   // sink, error_type
	SinkRowChannelLength    *prometheus.GaugeVec     // sink
	SinkRowChannelCapacity  *prometheus.GaugeVec     // sink
	SinkFlushDuration       *prometheus.HistogramVec // sink
	SinkBatchSize           *prometheus.HistogramVec // sink
	SinkRowsProcessed       *prometheus.CounterVec   // sink
	ClickHouseBatchDuration *prometheus.HistogramVec // operation

	AgentStartDuration *prometheus.GaugeVec // phase

	running atomic.Bool
	ready   atomic.Bool
}

// NewHealthMetrics creates the metrics and their registry. The server is
// not started.
func NewHealthMetrics(log logrus.FieldLogger, cfg HealthConfig) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_read_total",
			Help:      "Total raw stall bytes read from the streamer.",
		}),
		StreamerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streamer_errors_total",
				Help:      "Total streamer errors by operation.",
			},
			[]string{"operation"},
		),
		ReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_read_duration_seconds",
			Help:      "Time to read one batch of stall data.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}),
		StreamerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streamer_open",
			Help:      "Whether a streamer is open (1=yes, 0=no).",
		}),
		SubDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sub_devices",
			Help:      "Number of sub-devices sampled.",
		}),

		ReportsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_decoded_total",
			Help:      "Total raw stall records decoded into aggregators.",
		}),
		RowsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_emitted_total",
				Help:      "Total valid report rows emitted by scope.",
			},
			[]string{"scope"},
		),
		DroppedDataWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_data_warnings_total",
			Help:      "Total calculations that reported hardware-dropped data.",
		}),
		CalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calc_duration_seconds",
			Help:      "Time to aggregate one batch of stall data.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		CachedReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_reports",
			Help:      "Distinct IPs cached and not yet emitted.",
		}),

		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by sink and error type.",
			},
			[]string{"sink", "error_type"},
		),
		SinkRowChannelLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sink_row_channel_length",
				Help:      "Current number of row batches queued in a sink.",
			},
			[]string{"sink"},
		),
		SinkRowChannelCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sink_row_channel_capacity",
				Help:      "Capacity of a sink row channel.",
			},
			[]string{"sink"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_batch_size",
				Help:      "Number of rows per batch flush by sink.",
				Buckets:   []float64{10, 100, 500, 1000, 5000, 10000, 50000},
			},
			[]string{"sink"},
		),
		SinkRowsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_rows_processed_total",
				Help:      "Total rows written by sink.",
			},
			[]string{"sink"},
		),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "Time spent in ClickHouse batch operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"operation"},
		),

		AgentStartDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agent_start_duration_seconds",
				Help:      "Duration of agent startup phases.",
			},
			[]string{"phase"},
		),
	}

	reg.MustRegister(
		h.BytesRead,
		h.StreamerErrors,
		h.ReadDuration,
		h.StreamerOpen,
		h.SubDevices,
	)

	reg.MustRegister(
		h.ReportsDecoded,
		h.RowsEmitted,
		h.DroppedDataWarnings,
		h.CalcDuration,
		h.CachedReports,
	)

	reg.MustRegister(
		h.ClickHouseConnected,
		h.ExportBatchErrors,
		h.SinkRowChannelLength,
		h.SinkRowChannelCapacity,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.SinkRowsProcessed,
		h.ClickHouseBatchDuration,
		h.AgentStartDuration,
	)

	return h
}

// Registry returns the registry all metrics are registered on.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// SetReady marks the agent as sampling, which flips /readyz to 200.
func (h *HealthMetrics) SetReady(ready bool) {
	h.ready.Store(ready)
}

// ObservePhase records how long a startup phase took.
func (h *HealthMetrics) ObservePhase(phase string, started time.Time) {
	h.AgentStartDuration.WithLabelValues(phase).Set(time.Since(started).Seconds())
}

// Start begins serving /metrics, /healthz, /readyz and pprof.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "not sampling")

			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the listener address, which resolves ":0" to the
// assigned port once started.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop closes the server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
