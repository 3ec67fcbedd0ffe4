package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ExchangesTotal     *prometheus.CounterVec
	EvictionsTotal     prometheus.Counter
	ActiveExchanges    prometheus.Gauge
	FinalizeQueueDepth prometheus.Gauge
	FinalizeErrors     *prometheus.CounterVec
	SpilledBodies      *prometheus.CounterVec
	HookErrors         *prometheus.CounterVec
	ControlOps         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "exchanges_total",
			Help:      "Exchanges recorded, by scheme",
		}, []string{"scheme"}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "evictions_total",
			Help:      "Exchanges evicted from the ring",
		}),
		ActiveExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capturebox",
			Name:      "active_exchanges",
			Help:      "Exchanges opened but not yet ended",
		}),
		FinalizeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capturebox",
			Name:      "finalize_queue_depth",
			Help:      "Exchanges waiting for body finalization",
		}),
		FinalizeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "finalize_errors_total",
			Help:      "Best-effort finalize failures by stage",
		}, []string{"stage"}),
		SpilledBodies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "spilled_bodies_total",
			Help:      "Bodies written to spill files, by direction",
		}, []string{"direction"}),
		HookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "hook_errors_total",
			Help:      "Errors reported by the MITM engine, by stage",
		}, []string{"stage"}),
		ControlOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capturebox",
			Name:      "control_operations_total",
			Help:      "System proxy and certificate operations, by operation and outcome",
		}, []string{"op", "outcome"}),
	}
	r.MustRegister(m.ExchangesTotal, m.EvictionsTotal, m.ActiveExchanges, m.FinalizeQueueDepth,
		m.FinalizeErrors, m.SpilledBodies, m.HookErrors, m.ControlOps)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome maps an ok flag to the label used by ControlOps.
func Outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
