// Package telemetry exposes the running engine's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's counters/gauges/histogram on a private
// registry served by Handler; the supervisor and its components do not
// update them. Held as a struct rather than package globals so
// more than one engine instance (tests, multi-tenant runs) can register
// independent registries.
type Metrics struct {
	registry *prometheus.Registry

	TradesTotal      *prometheus.CounterVec // result: win|loss
	OrdersTotal      *prometheus.CounterVec // mode: paper|live, side: buy|sell
	ExitReasonsTotal *prometheus.CounterVec // reason, side
	ScansTotal       *prometheus.CounterVec // pair
	GateRejectsTotal *prometheus.CounterVec // reason
	EquityUSD        prometheus.Gauge
	DrawdownPct      prometheus.Gauge
	OpenPositions    prometheus.Gauge
	ConsecutiveLoss  prometheus.Gauge
	AutoPauseActive  *prometheus.GaugeVec // reason
	WSConnected      prometheus.Gauge
	StaleDataGauge   *prometheus.GaugeVec // pair
	ScanLoopLatency  prometheus.Histogram
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novapulse_trades_total",
			Help: "Closed trades by result.",
		}, []string{"result"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novapulse_orders_total",
			Help: "Orders placed by mode and side.",
		}, []string{"mode", "side"}),
		ExitReasonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novapulse_exit_reasons_total",
			Help: "Exits split by reason and side.",
		}, []string{"reason", "side"}),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novapulse_scans_total",
			Help: "Strategy scans performed per pair.",
		}, []string{"pair"}),
		GateRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novapulse_gate_rejects_total",
			Help: "Entries rejected by the risk gate chain, by reason.",
		}, []string{"reason"}),
		EquityUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novapulse_equity_usd",
			Help: "Current bankroll in USD.",
		}),
		DrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novapulse_drawdown_pct",
			Help: "Peak-to-current drawdown, as a fraction.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novapulse_open_positions",
			Help: "Currently open trades.",
		}),
		ConsecutiveLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novapulse_consecutive_losses",
			Help: "Current consecutive losing trade streak.",
		}),
		AutoPauseActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novapulse_auto_pause_active",
			Help: "1 if an auto-pause reason is currently set, else 0, labeled by reason.",
		}, []string{"reason"}),
		WSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novapulse_ws_connected",
			Help: "1 if the exchange stream is connected, else 0.",
		}),
		StaleDataGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novapulse_stale_consecutive_checks",
			Help: "Consecutive health checks a pair's data has been stale.",
		}, []string{"pair"}),
		ScanLoopLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "novapulse_scan_loop_seconds",
			Help:    "Wall time spent evaluating one pair in the scan loop.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TradesTotal, m.OrdersTotal, m.ExitReasonsTotal, m.ScansTotal, m.GateRejectsTotal,
		m.EquityUSD, m.DrawdownPct, m.OpenPositions, m.ConsecutiveLoss, m.AutoPauseActive,
		m.WSConnected, m.StaleDataGauge, m.ScanLoopLatency,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTradeClose increments the trade-result and exit-reason counters for
// a closed trade; won is not used.
func (m *Metrics) RecordTradeClose(result, exitReason, side string, won bool) {
	m.TradesTotal.WithLabelValues(result).Inc()
	m.ExitReasonsTotal.WithLabelValues(exitReason, side).Inc()
}

// SetAutoPause flips the auto-pause gauge for reason on or off, clearing
// every other known reason's series to 0 so dashboards never show two
// reasons active at once.
func (m *Metrics) SetAutoPause(active bool, reason string, allReasons []string) {
	for _, r := range allReasons {
		m.AutoPauseActive.WithLabelValues(r).Set(0)
	}
	if active && reason != "" {
		m.AutoPauseActive.WithLabelValues(reason).Set(1)
	}
}
