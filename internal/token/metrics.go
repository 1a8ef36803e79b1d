package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the manager's local stat counters into Prometheus.
// Labels carry the hashed app key (never the raw key) so multi-app
// deployments can tell series apart without leaking identities.
type Metrics struct {
	requests  *prometheus.CounterVec
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	label := []string{"app"}
	return &Metrics{
		requests:  f.NewCounterVec(prometheus.CounterOpts{Name: "tokend_token_requests_total", Help: "Token lookups through the manager."}, label),
		hits:      f.NewCounterVec(prometheus.CounterOpts{Name: "tokend_token_cache_hits_total", Help: "Lookups answered from cache."}, label),
		misses:    f.NewCounterVec(prometheus.CounterOpts{Name: "tokend_token_cache_misses_total", Help: "Lookups that required acquisition."}, label),
		retries:   f.NewCounterVec(prometheus.CounterOpts{Name: "tokend_token_retries_total", Help: "Acquisition attempts beyond the first."}, label),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{Name: "tokend_token_refreshes_total", Help: "Forced refreshes."}, label),
	}
}

func (m *Metrics) incRequests(app string) {
	if m != nil {
		m.requests.WithLabelValues(app).Inc()
	}
}
func (m *Metrics) incHits(app string) {
	if m != nil {
		m.hits.WithLabelValues(app).Inc()
	}
}
func (m *Metrics) incMisses(app string) {
	if m != nil {
		m.misses.WithLabelValues(app).Inc()
	}
}
func (m *Metrics) incRetries(app string) {
	if m != nil {
		m.retries.WithLabelValues(app).Inc()
	}
}
func (m *Metrics) incRefreshes(app string) {
	if m != nil {
		m.refreshes.WithLabelValues(app).Inc()
	}
}
