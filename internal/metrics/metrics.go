// Package metrics exposes Prometheus instrumentation for the trading loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_signals_total",
		Help: "Condition hits received from the stream.",
	})

	OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_total",
		Help: "Market orders submitted, by side and result.",
	}, []string{"side", "result"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_executions_total",
		Help: "Fill notifications applied, by side.",
	}, []string{"side"})

	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_stream_reconnects_total",
		Help: "Websocket reconnect attempts.",
	})

	Cash = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_cash_krw",
		Help: "Optimistic orderable cash balance.",
	})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_open_positions",
		Help: "Positions currently held.",
	})

	PendingSignals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_pending_signals",
		Help: "Signals in the pending table.",
	})

	StreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_stream_connected",
		Help: "1 when the websocket session is authenticated.",
	})
)

func init() {
	prometheus.MustRegister(
		SignalsTotal,
		OrdersTotal,
		ExecutionsTotal,
		StreamReconnects,
		Cash,
		OpenPositions,
		PendingSignals,
		StreamConnected,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
