package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookEventsTotal counts inbound payment webhooks by event type and outcome.
	WebhookEventsTotal *prometheus.CounterVec
	// SessionsMintedTotal counts session credential mint attempts.
	SessionsMintedTotal *prometheus.CounterVec
	// CheckoutTotal counts checkout creation outcomes.
	CheckoutTotal *prometheus.CounterVec
	// SessionExchangeTotal counts checkout-to-session exchange outcomes.
	SessionExchangeTotal *prometheus.CounterVec
	// AnalysisTotal counts analysis gateway outcomes.
	AnalysisTotal *prometheus.CounterVec
	// AnalysisUpstreamLatency records analysis provider call latency in milliseconds.
	AnalysisUpstreamLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by event type and outcome.",
		}, []string{"event", "result"})
		SessionsMintedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_mint_total",
			Help:      "Count of session credential mint attempts by outcome.",
		}, []string{"result"})
		CheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_create_total",
			Help:      "Count of checkout creation outcomes.",
		}, []string{"result"})
		SessionExchangeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_exchange_total",
			Help:      "Count of checkout to session exchanges by outcome.",
		}, []string{"result"})
		AnalysisTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_requests_total",
			Help:      "Count of analysis gateway requests by outcome.",
		}, []string{"result"})
		AnalysisUpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_upstream_duration_ms",
			Help:      "Latency of analysis provider calls in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2500, 5000, 10000, 20000, 40000, 60000, 90000},
		}, []string{"result"})

		WebhookEventsTotal = registerOrReuse(reg, WebhookEventsTotal)
		SessionsMintedTotal = registerOrReuse(reg, SessionsMintedTotal)
		CheckoutTotal = registerOrReuse(reg, CheckoutTotal)
		SessionExchangeTotal = registerOrReuse(reg, SessionExchangeTotal)
		AnalysisTotal = registerOrReuse(reg, AnalysisTotal)
		AnalysisUpstreamLatency = registerOrReuse(reg, AnalysisUpstreamLatency)
	})
}

// Count increments vec for the label values when the collector is registered.
func Count(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
