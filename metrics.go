package siop

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-adapter/per-target statistics, exported via
// Prometheus counters and gauges rather than a plain struct, matching
// the approach tcgdiskstat takes for drive telemetry.
type Metrics struct {
	Interrupts        *prometheus.CounterVec
	Resets            prometheus.Counter
	CommandsCompleted *prometheus.CounterVec
	NegotiatedRateKBs *prometheus.GaugeVec
	ACBsInUse         prometheus.Gauge
}

// NewMetrics constructs and registers the adapter's metric set. Pass
// prometheus.NewRegistry() (or DefaultRegisterer) from the integration.
func NewMetrics(reg prometheus.Registerer, adapterLabel string) *Metrics {
	constLabels := prometheus.Labels{"adapter": adapterLabel}
	m := &Metrics{
		Interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "siop",
			Name:        "interrupts_total",
			Help:        "SIOP interrupt events decoded, by DSPS/SSTAT0 condition.",
			ConstLabels: constLabels,
		}, []string{"condition"}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "siop",
			Name:        "resets_total",
			Help:        "Hard chip resets performed.",
			ConstLabels: constLabels,
		}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "siop",
			Name:        "commands_completed_total",
			Help:        "Transfers completed, by final error kind.",
			ConstLabels: constLabels,
		}, []string{"error_kind"}),
		NegotiatedRateKBs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "siop",
			Name:        "negotiated_rate_kbs",
			Help:        "Negotiated synchronous transfer rate per target, in KB/s (0 if async).",
			ConstLabels: constLabels,
		}, []string{"target"}),
		ACBsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "siop",
			Name:        "acbs_in_use",
			Help:        "Activity Control Blocks currently not on the free list.",
			ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Interrupts, m.Resets, m.CommandsCompleted, m.NegotiatedRateKBs, m.ACBsInUse)
	}
	return m
}
