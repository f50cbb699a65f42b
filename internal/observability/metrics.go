// Package observability exposes pipeline metrics to Prometheus.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes recorded by ObserveQuery.
const (
	OutcomeOK    = "ok"
	OutcomeRetry = "retry"
	OutcomeError = "error"
)

// Collector bundles the pipeline's Prometheus metrics. All methods are safe on
// a nil *Collector so metrics stay optional.
type Collector struct {
	gatherer prometheus.Gatherer

	Magnitudes     *prometheus.CounterVec
	Queries        *prometheus.CounterVec
	QueryDurations *prometheus.HistogramVec
	Runs           *prometheus.CounterVec
	RunDurations   *prometheus.HistogramVec
	CellsSelected  prometheus.Gauge
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	magnitudes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guidemag_magnitudes_total",
		Help: "Synthetic magnitudes produced, labeled by quality flag.",
	}, []string{"quality"}), "guidemag_magnitudes_total")
	if err != nil {
		return nil, err
	}
	queries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guidemag_catalog_queries_total",
		Help: "Catalog query attempts, labeled by outcome (ok, retry, error).",
	}, []string{"outcome"}), "guidemag_catalog_queries_total")
	if err != nil {
		return nil, err
	}
	queryDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guidemag_catalog_query_duration_seconds",
		Help:    "Catalog query latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"}), "guidemag_catalog_query_duration_seconds")
	if err != nil {
		return nil, err
	}
	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guidemag_runs_total",
		Help: "Pipeline runs, labeled by final status.",
	}, []string{"status"}), "guidemag_runs_total")
	if err != nil {
		return nil, err
	}
	runDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guidemag_run_duration_seconds",
		Help:    "Pipeline run wall time in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"status"}), "guidemag_run_duration_seconds")
	if err != nil {
		return nil, err
	}
	cells, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guidemag_last_run_cells",
		Help: "Cells selected by the most recent run.",
	}), "guidemag_last_run_cells")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Magnitudes:     magnitudes,
		Queries:        queries,
		QueryDurations: queryDurations,
		Runs:           runs,
		RunDurations:   runDurations,
		CellsSelected:  cells,
	}, nil
}

// ObserveQuery records one catalog query attempt.
func (c *Collector) ObserveQuery(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	c.Queries.WithLabelValues(outcome).Inc()
	c.QueryDurations.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveMagnitude counts one produced magnitude.
func (c *Collector) ObserveMagnitude(quality string) {
	if c == nil {
		return
	}
	c.Magnitudes.WithLabelValues(quality).Inc()
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(status string, d time.Duration, cells int) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(status).Inc()
	c.RunDurations.WithLabelValues(status).Observe(d.Seconds())
	c.CellsSelected.Set(float64(cells))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
