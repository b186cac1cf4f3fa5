package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "payment",
		Name:      "gateway_breaker_state",
		Help:      "Breaker state per downstream target: 0 closed, 1 open, 2 half-open.",
	}, []string{"target"})
	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payment",
		Name:      "gateway_breaker_transitions_total",
		Help:      "Breaker state changes per downstream target.",
	}, []string{"target", "from", "to"})
)

func init() {
	prometheus.MustRegister(breakerState, breakerTransitions)
}
