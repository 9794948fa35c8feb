// Package metrics exports engine telemetry over Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config controls the metrics endpoint.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, ListenAddr: ":9090"}
}

// Metrics holds every engine series on an owned registry.
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	server   *http.Server

	// Position store
	OpenPositions  prometheus.Gauge
	EventsApplied  prometheus.Counter
	EventsRejected prometheus.Counter

	// Oracle
	OracleCacheHits   prometheus.Counter
	OracleCacheMisses prometheus.Counter
	OracleFetchErrors prometheus.Counter
	OracleStaleReads  prometheus.Counter

	// Evaluation
	Classifications *prometheus.GaugeVec
	TickDuration    prometheus.Histogram
	TicksTotal      prometheus.Counter

	// Liquidation
	PlansCreated *prometheus.CounterVec
	PlanOutcomes *prometheus.CounterVec
	ProfitTotal  prometheus.Counter
}

// New builds the engine metric set on a fresh registry.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seisan_open_positions",
			Help: "Open positions tracked by the store",
		}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_chain_events_applied_total",
			Help: "Chain events applied to the position store",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_chain_events_rejected_total",
			Help: "Chain events rejected as out of order",
		}),
		OracleCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_oracle_cache_hits_total",
			Help: "Price reads served from cache",
		}),
		OracleCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_oracle_cache_misses_total",
			Help: "Price reads that fetched from a source",
		}),
		OracleFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_oracle_fetch_errors_total",
			Help: "Price fetches that failed on every source",
		}),
		OracleStaleReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_oracle_stale_reads_total",
			Help: "Price reads rejected for staleness",
		}),
		Classifications: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seisan_positions_by_classification",
			Help: "Positions per health classification at the last tick",
		}, []string{"classification"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seisan_tick_duration_seconds",
			Help:    "Wall time of one monitor tick",
			Buckets: prometheus.DefBuckets,
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_ticks_total",
			Help: "Monitor ticks completed",
		}),
		PlansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seisan_plans_created_total",
			Help: "Liquidation plans produced, by kind",
		}, []string{"kind"}),
		PlanOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seisan_plan_outcomes_total",
			Help: "Terminal plan states",
		}, []string{"state"}),
		ProfitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seisan_profit_total",
			Help: "Cumulative realised profit in debt asset units",
		}),
	}

	m.registry.MustRegister(
		m.OpenPositions, m.EventsApplied, m.EventsRejected,
		m.OracleCacheHits, m.OracleCacheMisses, m.OracleFetchErrors, m.OracleStaleReads,
		m.Classifications, m.TickDuration, m.TicksTotal,
		m.PlansCreated, m.PlanOutcomes, m.ProfitTotal,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Serve starts the /metrics endpoint and blocks until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("metrics endpoint listening", zap.String("addr", cfg.ListenAddr))
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
