package httpapi

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	signIns     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicefleet",
			Name:      "sign_in_total",
			Help:      "Sign-in steps by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicefleet",
			Name:      "transitions_total",
			Help:      "Transition requests by kind and result.",
		}, []string{"kind", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicefleet",
			Name:      "transition_duration_seconds",
			Help:      "Time from request to backend reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.signIns, m.transitions, m.latency)
	return m
}
