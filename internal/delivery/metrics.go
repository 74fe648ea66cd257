package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus registry and the meters shared by the
// dispatcher and the recovery handler.
type Metrics struct {
	Registry         *prometheus.Registry
	DispatchDuration *prometheus.HistogramVec
	SendsTotal       *prometheus.CounterVec
	RecoveryTotal    *prometheus.CounterVec
	RateLimitedDrops prometheus.Counter
}

// NewMetrics creates a registry with the standard courier metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	dispatchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_dispatch_duration_seconds",
		Help:    "Duration of dispatch attempts in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "status"})

	sendsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_sends_total",
		Help: "Total per-recipient send outcomes.",
	}, []string{"status"})

	recoveryTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_recovery_signals_total",
		Help: "Total recovery signals by kind and terminal state.",
	}, []string{"kind", "state"})

	rateLimitedDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_recovery_rate_limited_total",
		Help: "Recovery signals dropped by the retry ledger.",
	})

	reg.MustRegister(dispatchDuration, sendsTotal, recoveryTotal, rateLimitedDrops)

	return &Metrics{
		Registry:         reg,
		DispatchDuration: dispatchDuration,
		SendsTotal:       sendsTotal,
		RecoveryTotal:    recoveryTotal,
		RateLimitedDrops: rateLimitedDrops,
	}
}
