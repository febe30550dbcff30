package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evaluation_cycles_total", Help: "Evaluation cycles run"},
		[]string{"account", "symbol"},
	)
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "action_plans_total", Help: "Action plans by action and reason"},
		[]string{"action", "reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to the venue"},
		[]string{"symbol", "side"},
	)
	VenueEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venue_events_total", Help: "Events consumed from the venue stream"},
		[]string{"kind"},
	)
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Venue stream reconnect attempts"},
	)
	FallbackPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fallback_pending_records", Help: "Records waiting in the fallback journal"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, PlansTotal, OrdersTotal, VenueEventsTotal, StreamReconnects, FallbackPending)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
