package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts intent creation outcomes (reused, created, error).
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound gateway webhooks by outcome.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentReconcileTotal counts reconciler decisions per event.
	PaymentReconcileTotal *prometheus.CounterVec
	// PaymentAnomalyTotal counts events the reconciler refused to apply.
	PaymentAnomalyTotal *prometheus.CounterVec
	// GatewayRequestLatency records outbound gateway call latency in milliseconds.
	GatewayRequestLatency *prometheus.HistogramVec
	// OrderPaidDeliveriesTotal tracks delivery of order-paid notifications to the order service.
	OrderPaidDeliveriesTotal *prometheus.CounterVec
	// IntentsExpiredTotal counts intents moved to EXPIRED by the sweep.
	IntentsExpiredTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent processing outcomes.",
		}, []string{"provider", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		PaymentReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_total",
			Help:      "Count of reconciler outcomes per provider.",
		}, []string{"provider", "outcome"})
		PaymentAnomalyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_anomaly_total",
			Help:      "Events logged but not applied (terminal conflicts, amount mismatches, unmapped codes).",
		}, []string{"provider", "kind"})
		GatewayRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_request_duration_ms",
			Help:      "Latency of outbound payment gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation", "result"})
		OrderPaidDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_paid_deliveries_total",
			Help:      "Count of order-paid notification delivery outcomes.",
		}, []string{"result"})
		IntentsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_expired_total",
			Help:      "Number of intents expired by the sweep.",
		})

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentReconcileTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentReconcileTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentAnomalyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentAnomalyTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayRequestLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				GatewayRequestLatency = v
			}
		})
		mustRegisterCollector(reg, OrderPaidDeliveriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderPaidDeliveriesTotal = v
			}
		})
		mustRegisterCollector(reg, IntentsExpiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				IntentsExpiredTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
