// Package metrics exposes the writer's Prometheus metrics.
//
// All recorder methods are safe on a nil *Metrics, so callers can run with metrics
// disabled without checking.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const NAMESPACE = "snb"

type Metrics struct {
	// BlocksWritten counts blocks the engine accepted and completed
	BlocksWritten prometheus.Counter

	BytesWritten prometheus.Counter

	// StoreErrors counts failed stores by kind ("degraded", "fatal", "oversize")
	StoreErrors *prometheus.CounterVec

	// Redos counts short writes that were resubmitted
	Redos prometheus.Counter

	StoreDuration prometheus.Histogram

	InFlight prometheus.Gauge

	RecordsProcessed prometheus.Counter

	// Inhibit is 1 while the inhibit is asserted
	Inhibit prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "blocks_written_total",
			Help:      "Blocks stored on the target",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "bytes_written_total",
			Help:      "Bytes stored on the target, block padding included",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "store_errors_total",
			Help:      "Failed stores by kind",
		}, []string{"kind"}),
		Redos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "redo_total",
			Help:      "Short writes resubmitted from where they stopped",
		}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Name:      "store_duration_seconds",
			Help:      "Time for one block store, submit to drained",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Name:      "engine_inflight_units",
			Help:      "Request units currently held by the kernel",
		}),
		RecordsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "records_processed_total",
			Help:      "Trigger records fully handled by the writer",
		}),
		Inhibit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Name:      "inhibit_asserted",
			Help:      "1 while backpressure is asserted",
		}),
	}

	reg.MustRegister(
		m.BlocksWritten,
		m.BytesWritten,
		m.StoreErrors,
		m.Redos,
		m.StoreDuration,
		m.InFlight,
		m.RecordsProcessed,
		m.Inhibit,
	)
	return m
}

func (m *Metrics) ObserveStore(size int, d time.Duration) {
	if m == nil {
		return
	}
	m.BlocksWritten.Inc()
	m.BytesWritten.Add(float64(size))
	m.StoreDuration.Observe(d.Seconds())
}

func (m *Metrics) StoreError(kind string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddRedos(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.Redos.Add(float64(n))
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) RecordDone() {
	if m == nil {
		return
	}
	m.RecordsProcessed.Inc()
}

func (m *Metrics) SetInhibit(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.Inhibit.Set(1)
	} else {
		m.Inhibit.Set(0)
	}
}

// Serve exposes the registry on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	log := slog.With("src", "Metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("Serve", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
