package metrics

import "github.com/prometheus/client_golang/prometheus"

// CheckoutMetrics counts checkout and portal session requests.
type CheckoutMetrics struct {
	sessions *prometheus.CounterVec
}

func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_sessions_total",
		Help: "Checkout and portal session requests by kind and result code.",
	}, []string{"kind", "result"})
	reg.MustRegister(sessions)
	return &CheckoutMetrics{sessions: sessions}
}

// Inc records a session request; result is "ok" or an error code.
func (c *CheckoutMetrics) Inc(kind, result string) {
	if c == nil || c.sessions == nil {
		return
	}
	c.sessions.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}
